package job

import (
	"context"
	"log"
	"time"

	"signal-stack/internal/ml/training"

	"go.opentelemetry.io/otel/trace"
)

type Trainer interface {
	TrainNow(ctx context.Context) (training.TrainOutcome, error)
}

// TrainingJob retrains the ensemble once a day at a fixed UTC hour. The
// underlying service handles persistence, promotion and the serving swap;
// this job only supplies the schedule.
type TrainingJob struct {
	tracer    trace.Tracer
	service   Trainer
	trainHour int
}

func NewTrainingJob(tracer trace.Tracer, service Trainer, trainHourUTC int) *TrainingJob {
	if trainHourUTC < 0 || trainHourUTC > 23 {
		trainHourUTC = 0
	}
	return &TrainingJob{tracer: tracer, service: service, trainHour: trainHourUTC}
}

func (j *TrainingJob) Start(ctx context.Context) {
	if j.service == nil {
		log.Println("training job disabled: no service")
		<-ctx.Done()
		return
	}
	for {
		next := nextRunUTC(time.Now().UTC(), j.trainHour)
		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.runOnce(ctx)
		}
	}
}

func (j *TrainingJob) runOnce(ctx context.Context) {
	ctx, span := j.tracer.Start(ctx, "training-job.run-once")
	defer span.End()

	outcome, err := j.service.TrainNow(ctx)
	if err != nil {
		log.Printf("training job error: %v", err)
		return
	}
	log.Printf("training job finished state=%s version=%d samples=%d auc=%.4f promoted=%v",
		outcome.State, outcome.Version, outcome.SampleCount, outcome.AUC, outcome.Promoted)
}

func nextRunUTC(now time.Time, hour int) time.Time {
	run := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !run.After(now) {
		run = run.Add(24 * time.Hour)
	}
	return run
}
