package connectors

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/dca-autopilot/internal/domain"
)

// Сервис sidecar-а, в котором живет SDK сети пороговой подписи.
// Сообщения передаются как google.protobuf.Struct, поэтому сгенерированные стабы не нужны.
const SignerServiceName = "signer.v1.SigningNetwork"

const (
	MethodMintCapacityCredential = "MintCapacityCredential"
	MethodCreateDelegatedSession = "CreateDelegatedSession"
	MethodSubmitAction           = "SubmitAction"
)

type SignerClient struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

func NewSignerClient(conn grpc.ClientConnInterface, timeout time.Duration) *SignerClient {
	return &SignerClient{conn: conn, timeout: timeout}
}

func (c *SignerClient) invoke(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	// 1. Конвертируем запрос в Protobuf Struct
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("signer: failed to create proto struct: %w", err)
	}

	// 2. Защитный таймаут на уровне вызова
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// 3. Вызов sidecar-а
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+SignerServiceName+"/"+method, in, out); err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return nil, &ThrottleError{RetryAfter: time.Second, Cause: err}
		}
		return nil, fmt.Errorf("signer: %s failed: %w", method, err)
	}
	return out.AsMap(), nil
}

func (c *SignerClient) MintCapacityCredential(ctx context.Context, params domain.MintParams) (domain.CredentialInfo, error) {
	resp, err := c.invoke(ctx, MethodMintCapacityCredential, map[string]any{
		"requestsPerKilosecond":          params.RequestsPerKilosecond,
		"daysUntilUTCMidnightExpiration": params.DaysUntilUTCMidnightExpiration,
	})
	if err != nil {
		return domain.CredentialInfo{}, err
	}

	id := stringField(resp, "capacityTokenId")
	if id == "" {
		return domain.CredentialInfo{}, fmt.Errorf("signer: mint returned empty credential id")
	}
	rpk := intField(resp, "requestsPerKilosecond")
	if rpk == 0 {
		rpk = params.RequestsPerKilosecond
	}
	return domain.CredentialInfo{ID: id, RequestsPerKilosecond: rpk}, nil
}

func (c *SignerClient) CreateDelegatedSession(ctx context.Context, req domain.SessionRequest) (domain.SessionHandle, error) {
	abilities := make([]any, 0, len(req.Abilities))
	for _, a := range req.Abilities {
		abilities = append(abilities, a)
	}

	resp, err := c.invoke(ctx, MethodCreateDelegatedSession, map[string]any{
		"capacityTokenId": req.CredentialID,
		"walletAddress":   req.WalletAddress,
		"abilities":       abilities,
		"expiration":      req.Expiration.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return domain.SessionHandle{}, err
	}

	id := stringField(resp, "sessionId")
	if id == "" {
		return domain.SessionHandle{}, fmt.Errorf("signer: session returned empty id")
	}
	handle := domain.SessionHandle{ID: id, ExpiresAt: req.Expiration}
	if exp, err := time.Parse(time.RFC3339, stringField(resp, "expiresAt")); err == nil {
		handle.ExpiresAt = exp
	}
	return handle, nil
}

// SubmitAction не интерпретирует статус: это делает вызывающий.
func (c *SignerClient) SubmitAction(ctx context.Context, session domain.SessionHandle, actionID string, params map[string]any) (domain.ActionResult, error) {
	resp, err := c.invoke(ctx, MethodSubmitAction, map[string]any{
		"sessionId": session.ID,
		"actionId":  actionID,
		"params":    params,
	})
	if err != nil {
		return domain.ActionResult{}, err
	}
	return domain.ActionResult{
		Status: stringField(resp, "status"),
		TxHash: stringField(resp, "txHash"),
		Error:  stringField(resp, "error"),
	}, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Числа в Struct всегда float64
func intField(m map[string]any, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}
