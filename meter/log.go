package meter

import (
	"log/slog"

	"github.com/inkfold/scantrans"
)

// LogMeter logs engine events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ scantrans.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmission(e scantrans.AdmissionEvent) {
	if e.Accepted {
		m.Logger.Info("admission",
			"identity", e.Identity.Key,
			"requested", e.Requested,
			"remaining", e.Remaining,
		)
	} else {
		m.Logger.Warn("admission_denied",
			"identity", e.Identity.Key,
			"requested", e.Requested,
			"remaining", e.Remaining,
			"shortfall", e.Shortfall,
		)
	}
}

func (m *LogMeter) OnSubmit(e scantrans.SubmitEvent) {
	m.Logger.Info("submit",
		"job", e.JobID,
		"unit", e.UnitID,
		"kind", string(e.Kind),
		"sequence", e.Sequence,
		"attempt", e.Attempt,
	)
}

func (m *LogMeter) OnResult(e scantrans.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"job", e.JobID,
			"unit", e.UnitID,
			"kind", string(e.Kind),
			"sequence", e.Sequence,
			"consumed", e.Consumed,
			"duration_ms", e.Duration.Milliseconds(),
		)
		if e.ConsumeErr != nil {
			m.Logger.Warn("consume_error",
				"job", e.JobID,
				"unit", e.UnitID,
				"error", e.ConsumeErr,
			)
		}
	} else {
		m.Logger.Warn("result_error",
			"job", e.JobID,
			"unit", e.UnitID,
			"kind", string(e.Kind),
			"sequence", e.Sequence,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}
