package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

func TestClient_Publish(t *testing.T) {
	var (
		gotBody   []byte
		gotHeader http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "shh")
	err := c.Publish(context.Background(), domain.PaymentEvent{
		Event:       domain.EventPaymentCompleted,
		OrderID:     "order-1",
		UserID:      "user-1",
		FormationID: "formation-1",
		Status:      domain.StatusCompleted,
	})
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, domain.EventPaymentCompleted, gotHeader.Get("X-Event"))
	assert.Equal(t, "shh", gotHeader.Get("X-Webhook-Secret"))
	assert.Equal(t, sign("shh", gotBody), gotHeader.Get("X-Signature"))

	var got domain.PaymentEvent
	require.NoError(t, json.Unmarshal(gotBody, &got))
	assert.Equal(t, "formation-1", got.FormationID)
}

func TestClient_PublishRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "enrollment closed", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "").Publish(context.Background(), domain.PaymentEvent{OrderID: "order-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrEventDelivery))
	assert.Equal(t, "BACKEND_ERROR", domain.ErrorCode(err))
	assert.Contains(t, err.Error(), "422")
}
