package bus

import (
	"github.com/tendant/proof-converter/internal/logger"
	"github.com/tendant/proof-converter/pkg/schema"
)

// Events publishes job progress for the settlement process. Publishing is best
// effort: failures are logged and never fail a job.
type Events struct {
	pub     Publisher
	subject string
	log     *logger.Logger
}

func NewEvents(pub Publisher, subject string, log *logger.Logger) *Events {
	if pub == nil {
		pub = Nop{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Events{pub: pub, subject: subject, log: log.Component("events")}
}

func (e *Events) LifecycleSubject() string { return e.subject + ".lifecycle" }

func (e *Events) Subject() string { return e.subject }

func (e *Events) Lifecycle(event schema.JobLifecycleEvent) {
	if err := e.pub.PublishJSON(e.LifecycleSubject(), event); err != nil {
		e.log.WithError(err).WithFields(logger.Fields{
			logger.FieldJobID: event.JobID,
			"stage":           event.Stage,
		}).Error("publish lifecycle event failed")
	}
}

func (e *Events) Completed(done schema.ProofConverted) {
	if err := e.pub.PublishJSON(e.subject, done); err != nil {
		e.log.WithError(err).WithField(logger.FieldJobID, done.ID).Error("publish result failed")
	}
}
