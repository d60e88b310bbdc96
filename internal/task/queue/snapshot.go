package queue

// infoLocked projects a record into its read-only snapshot.
// Caller holds s.mu.
func infoLocked(rec *record) TaskInfo {
	info := TaskInfo{
		TaskID:      rec.id,
		Status:      rec.status,
		Description: rec.description,
		Priority:    rec.priority,
		CreatedAt:   rec.createdAt,
		ScheduledAt: rec.scheduledAt,
		Periodic:    rec.periodic,
		Interval:    Seconds(rec.interval),
		RetryCount:  rec.retryCount,
		MaxRetries:  rec.maxRetries,
		Timeout:     Seconds(rec.timeout),
		Result:      rec.result,
		Error:       rec.errMsg,
	}
	if !rec.startedAt.IsZero() {
		t := rec.startedAt
		info.StartedAt = &t
	}
	if !rec.completedAt.IsZero() {
		t := rec.completedAt
		info.CompletedAt = &t
	}
	return info
}
