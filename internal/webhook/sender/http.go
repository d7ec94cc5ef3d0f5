package sender

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	hookdomain "github.com/smallbiznis/partnergate/internal/webhook/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const userAgent = "partnergate-webhooks/1"

// HTTPSender posts deliveries. Per-attempt deadlines come from ctx.
type HTTPSender struct {
	client *http.Client
}

func NewHTTPSender() hookdomain.Sender {
	return &HTTPSender{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (s *HTTPSender) Send(ctx context.Context, req hookdomain.SendRequest) (hookdomain.SendResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return hookdomain.SendResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set(hookdomain.HeaderSignature, req.Signature)
	httpReq.Header.Set(hookdomain.HeaderSignatureSHA256, req.Signature)
	httpReq.Header.Set(hookdomain.HeaderEventType, req.EventType)
	httpReq.Header.Set(hookdomain.HeaderEventID, req.EventID)
	httpReq.Header.Set(hookdomain.HeaderAttempt, strconv.Itoa(req.Attempt))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return hookdomain.SendResult{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return hookdomain.SendResult{StatusCode: resp.StatusCode}, nil
}
