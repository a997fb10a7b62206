// Package authkit is an embeddable customer identity engine: argon2id
// password storage, TOTP second factors, signed short-lived access tokens,
// and rotating refresh tokens with reuse detection.
//
// Callers supply an [AccountRepository] over their account database and,
// in multi-node deployments, a Redis client for refresh tokens and MFA
// challenges. Everything else is wired by the builder:
//
//	engine, err := authkit.New().
//		WithAccounts(repo).
//		WithRedis(redisClient).
//		WithSigningSecret("k1", secret).
//		Build()
//
// Tenancy is carried on the context via [WithTenantID]; accounts, refresh
// tokens, and MFA challenges never cross tenants.
package authkit
