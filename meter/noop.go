package meter

import "github.com/inkfold/scantrans"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ scantrans.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAdmission(scantrans.AdmissionEvent) {}
func (m *NoopMeter) OnSubmit(scantrans.SubmitEvent)       {}
func (m *NoopMeter) OnResult(scantrans.ResultEvent)       {}
