package mpesa

import (
	"errors"
	"strconv"
)

var ErrMalformedCallback = errors.New("malformed stk callback")

// CallbackBody mirrors the nested envelope Daraja posts to the callback URL.
type CallbackBody struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []MetadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// CallbackResult is the flattened view the payment handler works with.
type CallbackResult struct {
	CheckoutRequestID string
	Success           bool
	ResultDesc        string
	ReceiptCode       string
	AmountKES         int
	Phone             string
}

// ParseCallback flattens the gateway's nested callback envelope. Result code
// zero means the subscriber completed payment.
func ParseCallback(body *CallbackBody) (*CallbackResult, error) {
	cb := body.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, ErrMalformedCallback
	}

	result := &CallbackResult{
		CheckoutRequestID: cb.CheckoutRequestID,
		Success:           cb.ResultCode == 0,
		ResultDesc:        cb.ResultDesc,
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			if s, ok := item.Value.(string); ok {
				result.ReceiptCode = s
			}
		case "Amount":
			if f, ok := item.Value.(float64); ok {
				result.AmountKES = int(f)
			}
		case "PhoneNumber":
			switch v := item.Value.(type) {
			case string:
				result.Phone = v
			case float64:
				result.Phone = trimFloatPhone(v)
			}
		}
	}
	return result, nil
}

func trimFloatPhone(v float64) string {
	// Daraja sends MSISDNs as JSON numbers.
	return NormalizeMSISDN(strconv.FormatInt(int64(v), 10))
}
