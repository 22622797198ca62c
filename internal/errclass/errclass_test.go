package errclass

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDelay(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"2m30s", 150 * time.Second, true},
		{"45", 45 * time.Second, true},
		{"1h15m", 75 * time.Minute, true},
		{"500ms", 500 * time.Millisecond, true},
		{"", 0, false},
		{"invalid", 0, false},
		{"0", 0, false},
		{"-5", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseDelay(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestClassifyStatusResolution(t *testing.T) {
	cls := Classify(&ProviderError{StatusCode: 429, Message: "too many requests"})
	assert.Equal(t, 429, cls.StatusCode)
	assert.True(t, cls.IsRateLimit)
	assert.True(t, cls.IsRecoverable)

	cls = Classify(fmt.Errorf("upstream said HTTP 404 not found"))
	assert.Equal(t, 404, cls.StatusCode)
	assert.False(t, cls.IsRateLimit)

	cls = Classify(errors.New("something odd"))
	assert.Equal(t, 500, cls.StatusCode)
	assert.False(t, cls.IsRecoverable)
}

func TestClassifyNonRecoverableCodes(t *testing.T) {
	for _, status := range []int{401, 402, 500, 524} {
		cls := Classify(&ProviderError{StatusCode: status, Message: "nope"})
		assert.False(t, cls.IsRecoverable, "status %d", status)
		assert.True(t, cls.AffectsHealth, "status %d", status)
	}
	for _, status := range []int{400, 429} {
		cls := Classify(&ProviderError{StatusCode: status, Message: "retry elsewhere"})
		assert.True(t, cls.IsRecoverable, "status %d", status)
	}
}

func TestClassifyNetworkTransport(t *testing.T) {
	cls := Classify(errors.New("dial tcp: connection refused"))
	assert.True(t, cls.IsNetworkTransport)
	assert.True(t, cls.IsRecoverable)
	assert.False(t, cls.AffectsHealth)
	assert.Equal(t, 500, cls.StatusCode)

	cls = Classify(errors.New("read tcp: ECONNRESET"))
	assert.True(t, cls.IsNetworkTransport)
	assert.True(t, cls.IsRecoverable)
}

func TestClassifyDailyQuota(t *testing.T) {
	cls := Classify(&ProviderError{
		StatusCode: 429,
		Message:    "daily quota has been exhausted for this key",
	})
	assert.True(t, cls.IsDailyQuota)
	assert.Equal(t, SourceQuotaFallback, cls.QuotaDelaySource)
	assert.Equal(t, 5*time.Minute, cls.QuotaDelay)
}

func TestClassifyCapacityIsNotDailyQuota(t *testing.T) {
	cls := Classify(&ProviderError{
		StatusCode: 429,
		Message:    "model_capacity_exhausted: no capacity available",
	})
	assert.False(t, cls.IsDailyQuota)
	assert.Equal(t, SourceCapacityFallback, cls.QuotaDelaySource)
	assert.Equal(t, 30*time.Second, cls.QuotaDelay)
}

func TestClassifyChineseQuotaHints(t *testing.T) {
	cls := Classify(&ProviderError{StatusCode: 429, Message: "错误: 余额不足"})
	assert.True(t, cls.IsDailyQuota)
}

func TestQuotaResetDelayStructured(t *testing.T) {
	body := []byte(`{"error":{"details":[{"quotaResetDelay":"2m30s"}],"message":"quota exceeded"}}`)
	d, source := QuotaResetDelay(body, "")
	assert.Equal(t, 150*time.Second, d)
	assert.Equal(t, SourceResetDelay, source)

	body = []byte(`{"error":{"metadata":{"quotaResetDelay":"45"}}}`)
	d, source = QuotaResetDelay(body, "")
	assert.Equal(t, 45*time.Second, d)
	assert.Equal(t, SourceResetDelay, source)
}

func TestQuotaResetDelayRegexFallback(t *testing.T) {
	d, source := QuotaResetDelay(nil, `rate limited, quotaResetDelay: "1h"`)
	assert.Equal(t, time.Hour, d)
	assert.Equal(t, SourceResetDelay, source)
}

func TestQuotaResetDelayTimestamp(t *testing.T) {
	ts := time.Now().Add(10 * time.Minute).Format(time.RFC3339)
	body := []byte(fmt.Sprintf(`{"error":{"metadata":{"quotaResetTimeStamp":"%s"}}}`, ts))
	d, source := QuotaResetDelay(body, "")
	require.Equal(t, SourceResetDelay, source)
	assert.InDelta(t, float64(10*time.Minute), float64(d), float64(5*time.Second))
}

func TestClassifyCapsDelayAtThreeHours(t *testing.T) {
	body := []byte(`{"error":{"metadata":{"quotaResetDelay":"4h"},"message":"quota exceeded"}}`)
	cls := Classify(&ProviderError{StatusCode: 429, Message: "quota exceeded", Body: body})
	assert.Equal(t, MaxCooldown, cls.QuotaDelay)
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	pe := &ProviderError{StatusCode: 502, Cause: cause}
	assert.ErrorIs(t, pe, cause)
	assert.Contains(t, pe.Error(), "root cause")
}
