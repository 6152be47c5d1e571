package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewpay/viewpay/internal/logging"
)

type failingSink struct{ calls atomic.Int32 }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Emit(context.Context, Event) error {
	f.calls.Add(1)
	return errors.New("downstream unavailable")
}

type panickingSink struct{}

func (panickingSink) Name() string                    { return "panicking" }
func (panickingSink) Emit(context.Context, Event) error { panic("boom") }

func TestEmitter_FansOutAndIsolatesFailures(t *testing.T) {
	rec := NewRecorder()
	bad := &failingSink{}
	e := NewEmitter(logging.Discard(), time.Second, bad, panickingSink{}, rec)

	e.Publish(context.Background(), New(RequestCreated, "vr_1", []string{"t1", "h1"}, nil))
	e.Wait()

	assert.Equal(t, []Type{RequestCreated}, rec.Types())
	assert.Equal(t, int32(1), bad.calls.Load())
	ev := rec.Events()[0]
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, []string{"t1", "h1"}, ev.Recipients)
}

func TestEmitter_FillsMissingIDAndTime(t *testing.T) {
	rec := NewRecorder()
	e := NewEmitter(logging.Discard(), time.Second, rec)
	e.Publish(context.Background(), Event{Type: EscrowHeld, EntityID: "hold_1"})
	e.Wait()

	got := rec.Events()[0]
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.OccurredAt.IsZero())
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	rec.Publish(context.Background(), New(DisputeOpened, "dsp_1", nil, nil))
	assert.True(t, rec.Has(DisputeOpened))
	assert.False(t, rec.Has(DisputeResolved))
	rec.Reset()
	assert.Empty(t, rec.Events())
}

func TestWebhookSink_SignsPayload(t *testing.T) {
	var gotSig, gotType string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Viewpay-Signature")
		gotType = r.Header.Get("X-Viewpay-Event")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL, "shh")
	ev := New(RequestAccepted, "vr_1", []string{"t1"}, map[string]any{"finalPrice": "2000.00"})
	require.NoError(t, s.Emit(context.Background(), ev))

	assert.Equal(t, string(RequestAccepted), gotType)
	assert.Equal(t, Sign(body, "shh"), gotSig)

	var decoded Event
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
}

func TestWebhookSink_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, "").Emit(context.Background(), New(EscrowRefunded, "hold_1", nil, nil))
	assert.Error(t, err)
}

type mockSNS struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *mockSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params, optFns...)
}

func TestSNSSink_PublishesWithEventTypeAttribute(t *testing.T) {
	var captured *sns.PublishInput
	client := &mockSNS{PublishFunc: func(_ context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
		captured = params
		return &sns.PublishOutput{}, nil
	}}

	s := NewSNSSinkWithClient(client, "arn:aws:sns:eu-west-1:123:viewpay-events")
	require.NoError(t, s.Emit(context.Background(), New(RescheduleExpired, "rs_1", nil, nil)))

	require.NotNil(t, captured)
	assert.Equal(t, "arn:aws:sns:eu-west-1:123:viewpay-events", *captured.TopicArn)
	assert.Equal(t, string(RescheduleExpired), *captured.MessageAttributes["event_type"].StringValue)
	assert.Contains(t, *captured.Message, `"entityId":"rs_1"`)
}

func TestSNSSink_Error(t *testing.T) {
	client := &mockSNS{PublishFunc: func(context.Context, *sns.PublishInput, ...func(*sns.Options)) (*sns.PublishOutput, error) {
		return nil, errors.New("throttled")
	}}
	err := NewSNSSinkWithClient(client, "arn").Emit(context.Background(), New(EscrowHeld, "h", nil, nil))
	assert.ErrorContains(t, err, "throttled")
}

func TestLogSink(t *testing.T) {
	assert.NoError(t, NewLogSink(logging.Discard()).Emit(context.Background(), New(InvariantViolation, "hold_1", nil, nil)))
}
