package mpesa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "already normalized", input: "254712345678", want: "254712345678"},
		{name: "leading zero", input: "0712345678", want: "254712345678"},
		{name: "plus prefix", input: "+254712345678", want: "254712345678"},
		{name: "whitespace", input: " 254712345678 ", want: "254712345678"},
		{name: "too short", input: "0712345", wantErr: true},
		{name: "wrong country code", input: "255712345678", wantErr: true},
		{name: "non numeric", input: "25471234567a", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, domain.KindValidation, domain.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCallbackSuccess(t *testing.T) {
	raw := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 1290.00},
						{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
						{"Name": "TransactionDate", "Value": 20191219102115},
						{"Name": "PhoneNumber", "Value": 254708374149}
					]
				}
			}
		}
	}`)

	result, err := ParseCallback(raw)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "ws_CO_191220191020363925", result.CheckoutRequestID)
	assert.Equal(t, int64(129000), result.AmountMinor)
	assert.Equal(t, "NLJ7RT61SV", result.ReceiptNumber)
	assert.Equal(t, "254708374149", result.PhoneNumber)
}

func TestParseCallbackCancelled(t *testing.T) {
	raw := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`)

	result, err := ParseCallback(raw)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 1032, result.ResultCode)
	assert.Equal(t, int64(0), result.AmountMinor)
	assert.Empty(t, result.ReceiptNumber)
}

func TestParseCallbackMissingCheckoutID(t *testing.T) {
	_, err := ParseCallback([]byte(`{"Body": {"stkCallback": {"ResultCode": 0}}}`))
	require.Error(t, err)
}

func TestInitiateSTKPush(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		json.NewEncoder(w).Encode(map[string]string{"access_token": "token-123", "expires_in": "3599"})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "174379", body["BusinessShortCode"])
		assert.Equal(t, float64(1290), body["Amount"])
		assert.Equal(t, "254712345678", body["PhoneNumber"])
		assert.NotEmpty(t, body["Password"])

		json.NewEncoder(w).Encode(STKPushResult{
			MerchantRequestID:   "29115-34620561-1",
			CheckoutRequestID:   "ws_CO_test",
			ResponseCode:        "0",
			ResponseDescription: "Success. Request accepted for processing",
		})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := New(Config{
		BaseURL:        server.URL,
		ShortCode:      "174379",
		Passkey:        "passkey",
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		CallbackURL:    "https://example.com/callback",
	}, zerolog.Nop())

	result, err := client.InitiateSTKPush(context.Background(), "0712345678", 129000, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_test", result.CheckoutRequestID)
}

func TestInitiateSTKPushValidation(t *testing.T) {
	client := New(Config{BaseURL: "http://unused"}, zerolog.Nop())

	_, err := client.InitiateSTKPush(context.Background(), "0712345678", 0, "dep-1")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	// Fractional shillings are rejected before any network call
	_, err = client.InitiateSTKPush(context.Background(), "0712345678", 129050, "dep-1")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestInitiateSTKPushRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "token-123"})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(STKPushResult{ResponseCode: "1", ResponseDescription: "Insufficient balance"})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := New(Config{
		BaseURL:        server.URL,
		ShortCode:      "174379",
		Passkey:        "passkey",
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
	}, zerolog.Nop())

	_, err := client.InitiateSTKPush(context.Background(), "254712345678", 100, "dep-1")
	require.Error(t, err)
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))
}

func TestAccessTokenCached(t *testing.T) {
	tokenCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		json.NewEncoder(w).Encode(map[string]string{"access_token": "token-123"})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(STKPushResult{CheckoutRequestID: "ws_CO_test", ResponseCode: "0"})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := New(Config{
		BaseURL:        server.URL,
		ShortCode:      "174379",
		Passkey:        "passkey",
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
	}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		_, err := client.InitiateSTKPush(context.Background(), "254712345678", 100, "dep-1")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, tokenCalls)
}
