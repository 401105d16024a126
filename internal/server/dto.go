package server

import (
	"internline/internal/domain"
	"internline/internal/quota"
)

type RecordRequest struct {
	OrgID  int64  `json:"org_id" minimum:"0" example:"1"`
	String string `json:"string" example:"session.status"`
}

type ResolveResponse struct {
	OrgID  int64            `json:"org_id"`
	String string           `json:"string"`
	ID     domain.DecodedID `json:"id"`
}

type ReverseResponse struct {
	UseCase domain.UseCaseKey `json:"use_case"`
	ID      domain.DecodedID  `json:"id"`
	String  string            `json:"string"`
}

// BulkRecordRequest groups strings by organization id. Keys are decimal org ids
// since JSON object keys are strings.
type BulkRecordRequest struct {
	Items map[string][]string `json:"items" example:"{\"1\":[\"a\",\"b\"]}"`
}

type BulkCounts struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
	Rejected int `json:"rejected"`
}

type BulkRecordResponse struct {
	Results []domain.KeyResult `json:"results"`
	Counts  BulkCounts         `json:"counts"`
}

type QuotaResponse struct {
	OrgID         int64             `json:"org_id"`
	UseCase       domain.UseCaseKey `json:"use_case"`
	Computed      int64             `json:"computed"`
	Limit         int64             `json:"limit"`
	WindowSeconds int64             `json:"window_seconds"`
	Enforced      bool              `json:"enforced"`
}

func bulkResponse(res *domain.KeyResults) BulkRecordResponse {
	out := BulkRecordResponse{Results: nonNilSlice(res.Results())}
	for _, r := range out.Results {
		switch r.Status {
		case domain.StatusCreated:
			out.Counts.Created++
		case domain.StatusExisting:
			out.Counts.Existing++
		case domain.StatusRejected:
			out.Counts.Rejected++
		}
	}
	return out
}

func quotaResponse(l quota.Limit, enforced bool) QuotaResponse {
	return QuotaResponse{
		OrgID:         l.OrgID,
		UseCase:       l.UseCase,
		Computed:      l.Computed,
		Limit:         l.Limit,
		WindowSeconds: int64(l.Window.Seconds()),
		Enforced:      enforced,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
