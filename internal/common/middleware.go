package common

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type identityKey struct{}

var publicMethods = map[string]bool{
	"/grpc.health.v1.Health/Check":                                  true,
	"/grpc.health.v1.Health/Watch":                                  true,
	"/grpc.reflection.v1.ServerReflection/ServerReflectionInfo":      true,
	"/grpc.reflection.v1alpha.ServerReflection/ServerReflectionInfo": true,
}

func WithIdentity(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, ident)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	ident, ok := ctx.Value(identityKey{}).(Identity)
	return ident, ok
}

// BearerToken extracts <token> from "Bearer <token>"
func BearerToken(header string) (string, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", Authentication("bearer", "invalid auth header")
	}
	return parts[1], nil
}

// CredentialFromRequest reads the Authorization header, falling back to the
// access_token query parameter browsers use for websocket upgrades
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return BearerToken(h)
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok, nil
	}
	return "", Authentication("bearer", "authorization required")
}

func credentialFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", Authentication("metadata", "missing metadata")
	}
	vals := md["authorization"]
	if len(vals) == 0 {
		return "", Authentication("metadata", "authorization required")
	}
	return BearerToken(vals[0])
}

func authenticateContext(ctx context.Context, auth Authenticator) (context.Context, error) {
	token, err := credentialFromMetadata(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, Message(err))
	}
	ident, err := auth.Authenticate(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, Message(err))
	}
	return WithIdentity(ctx, ident), nil
}

// AuthInterceptor reads "authorization: Bearer <token>" metadata and injects the identity
func AuthInterceptor(auth Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		ctx, err := authenticateContext(ctx, auth)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context {
	return s.ctx
}

func StreamAuthInterceptor(auth Authenticator) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if publicMethods[info.FullMethod] {
			return handler(srv, ss)
		}
		ctx, err := authenticateContext(ss.Context(), auth)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

// HTTPAuthMiddleware rejects requests without a valid bearer credential
func HTTPAuthMiddleware(auth Authenticator) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := CredentialFromRequest(r)
			if err == nil {
				var ident Identity
				ident, err = auth.Authenticate(token)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), ident)))
					return
				}
			}
			WriteError(w, err)
		})
	}
}

// HTTPStatus maps an error kind onto a response code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindPersistence, KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCStatus maps an error kind onto a gRPC status
func GRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch KindOf(err) {
	case KindValidation:
		code = codes.InvalidArgument
	case KindAuthentication:
		code = codes.Unauthenticated
	case KindForbidden:
		code = codes.PermissionDenied
	case KindNotFound:
		code = codes.NotFound
	case KindRateLimited:
		code = codes.ResourceExhausted
	case KindPersistence, KindTransport:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, Message(err))
}

// FromGRPCStatus is the client side inverse of GRPCStatus
func FromGRPCStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return &Error{Kind: KindAuthentication, Op: "grpc", Msg: st.Message(), Err: err}
	case codes.InvalidArgument:
		return &Error{Kind: KindValidation, Op: "grpc", Msg: st.Message(), Err: err}
	case codes.PermissionDenied:
		return &Error{Kind: KindForbidden, Op: "grpc", Msg: st.Message(), Err: err}
	default:
		return &Error{Kind: KindTransport, Op: "grpc", Msg: st.Message(), Err: err}
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  Kind   `json:"code"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, HTTPStatus(err), errorBody{Error: Message(err), Code: KindOf(err)})
}
