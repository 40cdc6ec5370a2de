package model

import "time"

type ItemSummary struct {
	ItemID       string            `json:"item_id"`
	SourceURL    string            `json:"source_url"`
	Platform     Platform          `json:"platform"`
	ContentKind  ContentKind       `json:"content_kind"`
	FinalStatus  FinalStatus       `json:"final_status"`
	Skipped      bool              `json:"skipped_already_done,omitempty"`
	FailedStage  string            `json:"failed_stage,omitempty"`
	ErrorKind    ErrorKind         `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty"`
}

// BatchReport is the output of one scheduler run. Partial reports carry the
// same shape with Cancelled or Partial set.
type BatchReport struct {
	BatchID            string        `json:"batch_id"`
	Total              int           `json:"total"`
	Succeeded          int           `json:"succeeded"`
	Failed             int           `json:"failed"`
	Incomplete         int           `json:"incomplete"`
	SkippedAlreadyDone int           `json:"skipped_already_done"`
	Unsupported        int           `json:"unsupported"`
	NotStarted         int           `json:"not_started"`
	Items              []ItemSummary `json:"items"`
	StartedAt          time.Time     `json:"started_at"`
	WallTime           time.Duration `json:"wall_time"`
	Cancelled          bool          `json:"cancelled,omitempty"`
	Partial            bool          `json:"partial,omitempty"`
}

// Progress is one delta of a running batch, emitted as each item completes.
type Progress struct {
	BatchID string      `json:"batch_id"`
	Item    ItemSummary `json:"item"`
	Done    int         `json:"done"`
	Report  BatchReport `json:"report"`
}

func SummarizeRecord(item Item, rec *JobRecord) ItemSummary {
	s := ItemSummary{
		ItemID:      item.ID,
		SourceURL:   item.SourceURL,
		Platform:    item.Platform,
		ContentKind: item.ContentKind,
		FinalStatus: FinalIncomplete,
	}
	if rec == nil {
		return s
	}
	s.FinalStatus = rec.FinalStatus()
	if stage, stErr := rec.LastError(); stErr != nil && s.FinalStatus != FinalSucceeded {
		s.FailedStage = stage
		s.ErrorKind = stErr.Kind
		s.ErrorMessage = stErr.Message
	}
	if outs := rec.Outputs(); len(outs) > 0 {
		s.Outputs = outs
	}
	return s
}
