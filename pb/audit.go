package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Audit Mirror Types
type AuditEntry_Action int32

const (
	AuditEntry_APPROVE AuditEntry_Action = 0
	AuditEntry_REJECT  AuditEntry_Action = 1
	AuditEntry_MODIFY  AuditEntry_Action = 2
)

type AuditEntry struct {
	ApprovalId   string
	DecisionId   string
	DecisionType string
	GuardianId   string
	Action       AuditEntry_Action
	Reasoning    string
	Priority     string
	Confidence   float64
	Timestamp    *timestamppb.Timestamp
}

type AuditAck struct {
	ApprovalId string
	Accepted   bool
}

type AuditServiceClient interface {
	RecordApproval(ctx context.Context, in *AuditEntry, opts ...grpc.CallOption) (*AuditAck, error)
}

type MockAuditClient struct{}

func (m *MockAuditClient) RecordApproval(ctx context.Context, in *AuditEntry, opts ...grpc.CallOption) (*AuditAck, error) {
	return &AuditAck{ApprovalId: in.ApprovalId, Accepted: true}, nil
}
