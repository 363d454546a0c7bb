package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/aegisops/backend/pb"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// AuditMirror forwards committed approval records to an external audit
// service over gRPC. Mirroring is best-effort and never blocks or fails
// a ledger write; the local store remains the source of truth.
type AuditMirror struct {
	// Interface so the real gRPC client or a mock can be plugged in.
	client pb.AuditServiceClient
}

// NewAuditMirror handles DI.
func NewAuditMirror(c pb.AuditServiceClient) *AuditMirror {
	return &AuditMirror{client: c}
}

func mirrorAction(a string) pb.AuditEntry_Action {
	switch a {
	case "reject":
		return pb.AuditEntry_REJECT
	case "modify":
		return pb.AuditEntry_MODIFY
	default:
		return pb.AuditEntry_APPROVE
	}
}

// Mirror ships a record asynchronously with its own timeout.
func (m *AuditMirror) Mirror(entry *pb.AuditEntry) {
	go func() {
		entry.Timestamp = timestamppb.Now()

		rpcCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ack, err := m.client.RecordApproval(rpcCtx, entry)
		if err != nil {
			slog.Error("audit mirror unreachable", "approval_id", entry.ApprovalId, "error", err)
			return
		}
		if !ack.Accepted {
			slog.Warn("audit mirror rejected entry", "approval_id", entry.ApprovalId)
		}
	}()
}
