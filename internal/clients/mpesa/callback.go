package mpesa

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// callbackEnvelope mirrors the Daraja STK callback wire format.
type callbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []metadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type metadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// CallbackResult is the normalized outcome of an STK push attempt.
// AmountMinor is zero when Daraja omitted the amount (failed pushes).
type CallbackResult struct {
	CheckoutRequestID string
	Success           bool
	ResultCode        int
	ResultDesc        string
	AmountMinor       int64
	ReceiptNumber     string
	PhoneNumber       string
}

// ParseCallback decodes a Daraja STK callback body. ResultCode 0 means
// the customer completed the payment; anything else is a failure or
// cancellation.
func ParseCallback(raw []byte) (*CallbackResult, error) {
	var envelope callbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse callback: %w", err)
	}

	cb := envelope.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("callback missing CheckoutRequestID")
	}

	result := &CallbackResult{
		CheckoutRequestID: cb.CheckoutRequestID,
		Success:           cb.ResultCode == 0,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}

	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if v, ok := item.Value.(float64); ok {
				// Daraja reports whole shillings as a JSON number
				result.AmountMinor = decimal.NewFromFloat(v).Mul(decimal.NewFromInt(100)).IntPart()
			}
		case "MpesaReceiptNumber":
			if v, ok := item.Value.(string); ok {
				result.ReceiptNumber = v
			}
		case "PhoneNumber":
			switch v := item.Value.(type) {
			case float64:
				result.PhoneNumber = decimal.NewFromFloat(v).String()
			case string:
				result.PhoneNumber = v
			}
		}
	}

	return result, nil
}
