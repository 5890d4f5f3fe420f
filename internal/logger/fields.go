package logger

import "go.uber.org/zap"

// RequestID tags an entry with the HTTP request id.
func RequestID(v string) zap.Field { return zap.String("request_id", v) }

// Method tags an entry with the HTTP method.
func Method(v string) zap.Field { return zap.String("method", v) }

// Path tags an entry with the request path.
func Path(v string) zap.Field { return zap.String("path", v) }

// Status tags an entry with the response status.
func Status(v int) zap.Field { return zap.Int("status", v) }

// ClientID tags an entry with the OAuth client id.
func ClientID(v string) zap.Field { return zap.String("client_id", v) }

// UserID tags an entry with the local user id.
func UserID(v string) zap.Field { return zap.String("user_id", v) }

// KeyID tags an entry with a signing key id.
func KeyID(v string) zap.Field { return zap.String("kid", v) }

// Op tags an entry with the operation name.
func Op(v string) zap.Field { return zap.String("op", v) }

// Code tags an entry with an OAuth error code.
func Code(v string) zap.Field { return zap.String("error_code", v) }

// Err attaches an error.
func Err(err error) zap.Field { return zap.Error(err) }
