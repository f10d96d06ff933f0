// Package auth resolves join-handshake credentials to participant
// identities.
//
// The gateway never inspects tokens itself. A Resolver turns whatever
// credential a connection presents into an Identity: the participant id
// plus its compiled capability set. Two resolvers ship here: a
// StaticResolver for roster tokens listed in configuration, and a
// JWTResolver for HS256 bearer tokens whose "sub" claim names a roster
// participant. ChainResolver lets a deployment accept both.
package auth
