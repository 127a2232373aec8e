package connectors

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// SignerTokenHeader — заголовок с сервисным токеном сайдкара (в gRPC ключи в нижнем регистре)
const SignerTokenHeader = "x-signer-token"

// UnaryAuthInterceptor добавляет сервисный токен в метаданные каждого вызова
func UnaryAuthInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		if token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, SignerTokenHeader, token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// DialSigner создает соединение с сайдкаром. Сайдкар живет рядом (localhost), TLS не нужен.
// Соединение ленивое: реальный коннект произойдет на первом вызове.
func DialSigner(addr, token string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(UnaryAuthInterceptor(token)),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("signer: dial %s: %w", addr, err)
	}
	return conn, nil
}
