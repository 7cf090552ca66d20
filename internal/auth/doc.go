// Package auth authenticates callers of the inbound HTTP and gRPC transports.
//
// Callers present an HS256 JWT as a bearer token. The subject and roles
// claims become an AuthContext, which WithAuth also exposes as an rpc.Caller
// so operations declaring required roles can be checked by the dispatcher.
//
//	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	token, _ := verifier.Generate("alice", []string{"admin"}, time.Hour)
//
// HTTPAuthMiddleware answers 401 for a missing or invalid token;
// UnaryInterceptor answers codes.Unauthenticated. BearerCredentials attaches
// a token to outbound gRPC calls.
package auth
