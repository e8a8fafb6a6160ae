package observability

import "testing"

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	SessionOpened()
	RecordFrame("diagnostic")
	RecordDiagnostic("0x36", "accepted")
	AddTransferBytes(4096)
	RecordTransferResult("applied")
	SetLifecycleState("APPLICATION")
	SetLifecycleState("UPDATE_PENDING")
	SessionClosed()
}
