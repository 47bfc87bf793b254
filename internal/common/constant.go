// Package common contains shared constants and the error taxonomy used across
// the estateauth service layers.
package common

// AuthorizationHeaderName is the HTTP header (and, lower-cased, the gRPC
// metadata key) that carries the access token.
const AuthorizationHeaderName = "Authorization"

// BearerScheme is the only accepted authorization scheme.
const BearerScheme = "Bearer"
