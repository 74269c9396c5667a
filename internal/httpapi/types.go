package httpapi

import (
	"time"

	"github.com/juno-intents/autowithdraw/internal/policy"
	"github.com/juno-intents/autowithdraw/internal/withdrawal"
)

type errorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

type statusResponse struct {
	State string `json:"state"`
	Busy  bool   `json:"busy"`
}

type evaluateRequest struct {
	Hint string `json:"hint,omitempty" validate:"omitempty,url"`
}

type evaluateResponse struct {
	Executed bool            `json:"executed"`
	Record   *recordResponse `json:"record,omitempty"`
}

type recordResponse struct {
	ID                 string    `json:"id"`
	EndpointID         string    `json:"endpoint_id"`
	DestinationAddress string    `json:"destination_address"`
	RequestedAmount    int64     `json:"requested_amount"`
	FeeAmount          int64     `json:"fee_amount"`
	QuoteID            string    `json:"quote_id,omitempty"`
	State              string    `json:"state"`
	CreatedAt          time.Time `json:"created_at"`
	ErrorMessage       string    `json:"error_message,omitempty"`
}

func recordDTO(r withdrawal.Record) recordResponse {
	return recordResponse{
		ID:                 r.ID,
		EndpointID:         r.EndpointID,
		DestinationAddress: r.DestinationAddress,
		RequestedAmount:    r.RequestedAmount,
		FeeAmount:          r.FeeAmount,
		QuoteID:            r.QuoteID,
		State:              r.State.String(),
		CreatedAt:          r.CreatedAt,
		ErrorMessage:       r.ErrorMessage,
	}
}

type historyResponse struct {
	Records []recordResponse `json:"records"`
}

// Out-of-range thresholds and percents are clamped by the store, not rejected.
type globalRequest struct {
	Enabled          *bool  `json:"enabled" validate:"required"`
	DefaultThreshold int64  `json:"default_threshold" validate:"gte=0"`
	DefaultPercent   int    `json:"default_percent" validate:"gte=0,lte=100"`
	DefaultAddress   string `json:"default_address" validate:"max=320"`
}

type globalResponse struct {
	Enabled          bool   `json:"enabled"`
	DefaultThreshold int64  `json:"default_threshold"`
	DefaultPercent   int    `json:"default_percent"`
	DefaultAddress   string `json:"default_address"`
}

func globalDTO(g policy.GlobalSettings) globalResponse {
	return globalResponse{
		Enabled:          g.Enabled,
		DefaultThreshold: g.DefaultThreshold,
		DefaultPercent:   g.DefaultPercent,
		DefaultAddress:   g.DefaultAddress,
	}
}

type endpointRequest struct {
	Enabled   *bool   `json:"enabled,omitempty"`
	Threshold *int64  `json:"threshold,omitempty" validate:"omitnil,gte=0"`
	Percent   *int    `json:"percent,omitempty" validate:"omitnil,gte=0,lte=100"`
	Address   *string `json:"address,omitempty" validate:"omitnil,max=320"`
}

type endpointResponse struct {
	EndpointID string  `json:"endpoint_id"`
	Enabled    *bool   `json:"enabled"`
	Threshold  *int64  `json:"threshold"`
	Percent    *int    `json:"percent"`
	Address    *string `json:"address"`
}

func endpointDTO(o policy.Override) endpointResponse {
	return endpointResponse{
		EndpointID: o.EndpointID,
		Enabled:    o.Enabled,
		Threshold:  o.Threshold,
		Percent:    o.Percent,
		Address:    o.Address,
	}
}

type endpointListResponse struct {
	Endpoints []endpointResponse `json:"endpoints"`
}
