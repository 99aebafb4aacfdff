package ledger

// Row decoding deliberately goes field by field with explicit defaults: the
// log shape evolves independently of any one writer, so a missing or
// mistyped optional field degrades to its default instead of rejecting the
// row. Only identity fields are required.

func requestFromRow(row map[string]any) (WorkRequest, bool) {
	id, okID := row["request_id"].(string)
	goal, okGoal := row["goal"].(string)
	if !okID || !okGoal || id == "" || goal == "" {
		return WorkRequest{}, false
	}
	request := WorkRequest{
		ID:          id,
		Goal:        goal,
		GoalID:      asString(row["goal_id"]),
		RequestedAt: asString(row["requested_at"]),
		RequestedBy: asString(row["requested_by"]),
		Priority:    defaultPriority,
	}
	if request.RequestedBy == "" {
		request.RequestedBy = defaultRequestedBy
	}
	if priority, ok := asInt(row["priority"]); ok {
		request.Priority = priority
	}
	if flags, ok := row["autopublish_flags"].(map[string]any); ok {
		request.AutopublishFlags = flags
	}
	if overrides, ok := row["budget_overrides"].(map[string]any); ok {
		request.BudgetOverrides = map[string]int{}
		for key, value := range overrides {
			if n, ok := asInt(value); ok {
				request.BudgetOverrides[key] = n
			}
		}
	}
	if metadata, ok := row["metadata"].(map[string]any); ok {
		request.Metadata = metadata
	}
	return request, true
}

func receiptFromRow(row map[string]any) (Receipt, bool) {
	requestID, okID := row["request_id"].(string)
	status, okStatus := row["status"].(string)
	if !okID || !okStatus || requestID == "" || status == "" {
		return Receipt{}, false
	}
	return Receipt{
		RequestID:            requestID,
		Status:               status,
		StartedAt:            asString(row["started_at"]),
		FinishedAt:           asString(row["finished_at"]),
		ReportPath:           asString(row["report_path"]),
		DocketPath:           asString(row["docket_path"]),
		CommitSHA:            asString(row["commit_sha"]),
		PRMetadataPath:       asString(row["pr_metadata_path"]),
		PublishPRURL:         asString(row["publish_pr_url"]),
		PublishStatus:        asString(row["publish_status"]),
		PublishChecksOverall: asString(row["publish_checks_overall"]),
		ProvenanceRunID:      asString(row["provenance_run_id"]),
		Error:                asString(row["error"]),
	}, true
}

func asString(value any) string {
	s, _ := value.(string)
	return s
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
