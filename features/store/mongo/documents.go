package mongo

import (
	"time"

	"goa.design/foreman/runtime/audit"
	"goa.design/foreman/runtime/queue"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/workflow"
)

// Document types mirror the persisted aggregates field for field. Timestamps
// are stored as BSON datetimes, so they round-trip with millisecond
// precision and are normalized back to UTC on read.
type (
	agentDocument struct {
		TenantID    string    `bson:"tenant_id"`
		WorkspaceID string    `bson:"workspace_id"`
		AgentID     string    `bson:"agent_id"`
		Name        string    `bson:"name"`
		Status      string    `bson:"status"`
		LastSeenAt  time.Time `bson:"last_seen_at"`
		CreatedAt   time.Time `bson:"created_at"`
		UpdatedAt   time.Time `bson:"updated_at"`
	}

	runDocument struct {
		TenantID     string    `bson:"tenant_id"`
		WorkspaceID  string    `bson:"workspace_id"`
		RunID        string    `bson:"run_id"`
		AgentID      string    `bson:"agent_id"`
		WorkflowID   string    `bson:"workflow_id"`
		RequestID    string    `bson:"request_id"`
		ThreadID     string    `bson:"thread_id"`
		Status       string    `bson:"status"`
		StartedAt    time.Time `bson:"started_at"`
		EndedAt      time.Time `bson:"ended_at"`
		LatencyMS    int64     `bson:"latency_ms"`
		Retries      int       `bson:"retries"`
		ErrorSummary string    `bson:"error_summary"`
		CreatedAt    time.Time `bson:"created_at"`
		UpdatedAt    time.Time `bson:"updated_at"`
	}

	runEventDocument struct {
		TenantID      string         `bson:"tenant_id"`
		WorkspaceID   string         `bson:"workspace_id"`
		EventID       string         `bson:"event_id"`
		RunID         string         `bson:"run_id"`
		TS            time.Time      `bson:"ts"`
		Type          string         `bson:"type"`
		Level         string         `bson:"level,omitempty"`
		Message       string         `bson:"message,omitempty"`
		Payload       map[string]any `bson:"payload,omitempty"`
		CorrelationID string         `bson:"correlation_id,omitempty"`
		CausationID   string         `bson:"causation_id,omitempty"`
	}

	jobDocument struct {
		TenantID        string    `bson:"tenant_id"`
		WorkspaceID     string    `bson:"workspace_id"`
		JobID           string    `bson:"job_id"`
		RunID           string    `bson:"run_id,omitempty"`
		AgentID         string    `bson:"agent_id,omitempty"`
		WorkflowID      string    `bson:"workflow_id"`
		RequestID       string    `bson:"request_id,omitempty"`
		ThreadID        string    `bson:"thread_id,omitempty"`
		ObjectivePrompt string    `bson:"objective_prompt,omitempty"`
		Status          string    `bson:"status"`
		AttemptCount    int       `bson:"attempt_count"`
		MaxAttempts     int       `bson:"max_attempts"`
		AvailableAt     time.Time `bson:"available_at"`
		LeaseToken      string    `bson:"lease_token,omitempty"`
		LeaseExpiresAt  time.Time `bson:"lease_expires_at,omitempty"`
		WorkerID        string    `bson:"worker_id,omitempty"`
		LastError       string    `bson:"last_error,omitempty"`
		CreatedAt       time.Time `bson:"created_at"`
		UpdatedAt       time.Time `bson:"updated_at"`
	}

	threadDocument struct {
		TenantID         string    `bson:"tenant_id"`
		WorkspaceID      string    `bson:"workspace_id"`
		WorkflowID       string    `bson:"workflow_id"`
		RunID            string    `bson:"run_id"`
		Provider         string    `bson:"provider"`
		ProviderTeamID   string    `bson:"provider_team_id"`
		ProviderThreadID string    `bson:"provider_thread_id"`
		ChannelID        string    `bson:"channel_id"`
		MessageID        string    `bson:"message_id"`
		Target           string    `bson:"target"`
		CreatedAt        time.Time `bson:"created_at"`
		UpdatedAt        time.Time `bson:"updated_at"`
	}

	receiptDocument struct {
		TenantID       string    `bson:"tenant_id"`
		WorkspaceID    string    `bson:"workspace_id"`
		Provider       string    `bson:"provider"`
		ProviderTeamID string    `bson:"provider_team_id"`
		EventID        string    `bson:"event_id"`
		WorkflowID     string    `bson:"workflow_id,omitempty"`
		ReceivedAt     time.Time `bson:"received_at"`
	}

	signalDocument struct {
		TenantID       string         `bson:"tenant_id"`
		WorkspaceID    string         `bson:"workspace_id"`
		SignalID       string         `bson:"signal_id"`
		WorkflowID     string         `bson:"workflow_id"`
		Type           string         `bson:"type"`
		Payload        map[string]any `bson:"payload,omitempty"`
		OccurredAt     time.Time      `bson:"occurred_at"`
		Status         string         `bson:"status"`
		AcknowledgedAt time.Time      `bson:"acknowledged_at,omitempty"`
		ConsumedAt     time.Time      `bson:"consumed_at,omitempty"`
	}

	// snapshotDocument is the indexed envelope around a workflow runtime
	// snapshot. Body holds the snapshot's canonical JSON rendering; version
	// and status are duplicated for the concurrency check and dashboard
	// queries.
	snapshotDocument struct {
		TenantID    string    `bson:"tenant_id"`
		WorkspaceID string    `bson:"workspace_id"`
		WorkflowID  string    `bson:"workflow_id"`
		Version     int64     `bson:"version"`
		Status      string    `bson:"status"`
		Body        []byte    `bson:"body"`
		UpdatedAt   time.Time `bson:"updated_at"`
	}

	settingsDocument struct {
		TenantID             string    `bson:"tenant_id"`
		WorkspaceID          string    `bson:"workspace_id"`
		Provider             string    `bson:"provider"`
		ProviderTeamID       string    `bson:"provider_team_id"`
		DefaultChannelID     string    `bson:"default_channel_id"`
		NotificationsEnabled bool      `bson:"notifications_enabled"`
		UpdatedAt            time.Time `bson:"updated_at"`
	}

	auditDocument struct {
		TenantID            string         `bson:"tenant_id"`
		WorkspaceID         string         `bson:"workspace_id"`
		AuditID             string         `bson:"audit_id"`
		WorkflowID          string         `bson:"workflow_id"`
		RequestID           string         `bson:"request_id,omitempty"`
		StepNumber          int            `bson:"step_number"`
		EventType           string         `bson:"event_type"`
		SignalCorrelationID string         `bson:"signal_correlation_id,omitempty"`
		Detail              map[string]any `bson:"detail,omitempty"`
		CreatedAt           time.Time      `bson:"created_at"`
	}
)

func docScope(tenantID, workspaceID string) scope.Scope {
	return scope.Scope{TenantID: tenantID, WorkspaceID: workspaceID}
}

func fromAgentDocument(d agentDocument) store.Agent {
	return store.Agent{
		Scope:      docScope(d.TenantID, d.WorkspaceID),
		AgentID:    d.AgentID,
		Name:       d.Name,
		Status:     d.Status,
		LastSeenAt: d.LastSeenAt.UTC(),
		CreatedAt:  d.CreatedAt.UTC(),
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
}

func fromRunDocument(d runDocument) store.Run {
	return store.Run{
		Scope:        docScope(d.TenantID, d.WorkspaceID),
		RunID:        d.RunID,
		AgentID:      d.AgentID,
		WorkflowID:   d.WorkflowID,
		RequestID:    d.RequestID,
		ThreadID:     d.ThreadID,
		Status:       store.RunStatus(d.Status),
		StartedAt:    d.StartedAt.UTC(),
		EndedAt:      d.EndedAt.UTC(),
		LatencyMS:    d.LatencyMS,
		Retries:      d.Retries,
		ErrorSummary: d.ErrorSummary,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
}

func toRunEventDocument(e store.RunEvent) runEventDocument {
	return runEventDocument{
		TenantID:      e.Scope.TenantID,
		WorkspaceID:   e.Scope.WorkspaceID,
		EventID:       e.ID,
		RunID:         e.RunID,
		TS:            e.TS.UTC(),
		Type:          string(e.Type),
		Level:         e.Level,
		Message:       e.Message,
		Payload:       e.Payload,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
	}
}

func fromRunEventDocument(d runEventDocument) store.RunEvent {
	return store.RunEvent{
		Scope:         docScope(d.TenantID, d.WorkspaceID),
		ID:            d.EventID,
		RunID:         d.RunID,
		TS:            d.TS.UTC(),
		Type:          store.RunEventType(d.Type),
		Level:         d.Level,
		Message:       d.Message,
		Payload:       d.Payload,
		CorrelationID: d.CorrelationID,
		CausationID:   d.CausationID,
	}
}

func toJobDocument(j queue.Job) jobDocument {
	return jobDocument{
		TenantID:        j.Scope.TenantID,
		WorkspaceID:     j.Scope.WorkspaceID,
		JobID:           j.JobID,
		RunID:           j.RunID,
		AgentID:         j.AgentID,
		WorkflowID:      j.WorkflowID,
		RequestID:       j.RequestID,
		ThreadID:        j.ThreadID,
		ObjectivePrompt: j.ObjectivePrompt,
		Status:          string(j.Status),
		AttemptCount:    j.AttemptCount,
		MaxAttempts:     j.MaxAttempts,
		AvailableAt:     j.AvailableAt.UTC(),
		LeaseToken:      j.LeaseToken,
		LeaseExpiresAt:  j.LeaseExpiresAt.UTC(),
		WorkerID:        j.WorkerID,
		LastError:       j.LastError,
		CreatedAt:       j.CreatedAt.UTC(),
		UpdatedAt:       j.UpdatedAt.UTC(),
	}
}

func fromJobDocument(d jobDocument) queue.Job {
	return queue.Job{
		Scope:           docScope(d.TenantID, d.WorkspaceID),
		JobID:           d.JobID,
		RunID:           d.RunID,
		AgentID:         d.AgentID,
		WorkflowID:      d.WorkflowID,
		RequestID:       d.RequestID,
		ThreadID:        d.ThreadID,
		ObjectivePrompt: d.ObjectivePrompt,
		Status:          queue.Status(d.Status),
		AttemptCount:    d.AttemptCount,
		MaxAttempts:     d.MaxAttempts,
		AvailableAt:     d.AvailableAt.UTC(),
		LeaseToken:      d.LeaseToken,
		LeaseExpiresAt:  d.LeaseExpiresAt.UTC(),
		WorkerID:        d.WorkerID,
		LastError:       d.LastError,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
	}
}

func fromThreadDocument(d threadDocument) store.MessageThread {
	return store.MessageThread{
		Scope:            docScope(d.TenantID, d.WorkspaceID),
		WorkflowID:       d.WorkflowID,
		RunID:            d.RunID,
		Provider:         d.Provider,
		ProviderTeamID:   d.ProviderTeamID,
		ProviderThreadID: d.ProviderThreadID,
		ChannelID:        d.ChannelID,
		MessageID:        d.MessageID,
		Target:           d.Target,
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
	}
}

func toSignalDocument(sig workflow.SignalRecord) signalDocument {
	return signalDocument{
		TenantID:       sig.Scope.TenantID,
		WorkspaceID:    sig.Scope.WorkspaceID,
		SignalID:       sig.SignalID,
		WorkflowID:     sig.WorkflowID,
		Type:           string(sig.Type),
		Payload:        sig.Payload,
		OccurredAt:     sig.OccurredAt.UTC(),
		Status:         string(sig.Status),
		AcknowledgedAt: sig.AcknowledgedAt.UTC(),
		ConsumedAt:     sig.ConsumedAt.UTC(),
	}
}

func fromSignalDocument(d signalDocument) workflow.SignalRecord {
	return workflow.SignalRecord{
		Scope:          docScope(d.TenantID, d.WorkspaceID),
		SignalID:       d.SignalID,
		WorkflowID:     d.WorkflowID,
		Type:           workflow.SignalType(d.Type),
		Payload:        d.Payload,
		OccurredAt:     d.OccurredAt.UTC(),
		Status:         workflow.SignalStatus(d.Status),
		AcknowledgedAt: d.AcknowledgedAt.UTC(),
		ConsumedAt:     d.ConsumedAt.UTC(),
	}
}

func fromSettingsDocument(d settingsDocument) store.TenantMessagingSettings {
	return store.TenantMessagingSettings{
		Scope:                docScope(d.TenantID, d.WorkspaceID),
		Provider:             d.Provider,
		ProviderTeamID:       d.ProviderTeamID,
		DefaultChannelID:     d.DefaultChannelID,
		NotificationsEnabled: d.NotificationsEnabled,
		UpdatedAt:            d.UpdatedAt.UTC(),
	}
}

func toAuditDocument(r audit.Record) auditDocument {
	return auditDocument{
		TenantID:            r.Scope.TenantID,
		WorkspaceID:         r.Scope.WorkspaceID,
		AuditID:             r.AuditID,
		WorkflowID:          r.WorkflowID,
		RequestID:           r.RequestID,
		StepNumber:          r.StepNumber,
		EventType:           string(r.EventType),
		SignalCorrelationID: r.SignalCorrelationID,
		Detail:              r.Detail,
		CreatedAt:           r.CreatedAt.UTC(),
	}
}

func fromAuditDocument(d auditDocument) audit.Record {
	return audit.Record{
		Scope:               docScope(d.TenantID, d.WorkspaceID),
		AuditID:             d.AuditID,
		WorkflowID:          d.WorkflowID,
		RequestID:           d.RequestID,
		StepNumber:          d.StepNumber,
		EventType:           audit.EventType(d.EventType),
		SignalCorrelationID: d.SignalCorrelationID,
		Detail:              d.Detail,
		CreatedAt:           d.CreatedAt.UTC(),
	}
}
