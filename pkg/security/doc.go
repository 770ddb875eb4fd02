/*
Package security is river's certificate authority and TLS plumbing: a
self-signed 10-year root / 90-day leaf hierarchy, RSA 4096/2048 key
sizes, and an Encrypt/Decrypt-via-cluster-key envelope around the root
private key at rest (ca.go, crypto.go).

Three design choices worth calling out:

  - CertAuthority persists through river's pkg/store.Store (a single
    opaque SaveCA/GetCA slot added to BoltStore, threaded through
    RaftStore via the OpSaveCA command) — river has one authoritative
    Host and no multi-manager CA replication story, so the CA rides the
    same single-node Raft commit path as everything else the Host
    persists.
  - IssueNodeCertificate issues for exactly two roles, "host" and
    "runner" — the only two processes in river's architecture. There is
    no separate CLI-to-Host mTLS client flow, so no client-certificate
    issuance path beyond the two node roles.
  - certs.go keeps the file-based cert/key/ca persistence helpers
    (GetCertDir, Save/LoadCertFromFile, Save/LoadCACertFromFile,
    CertExists, CertNeedsRotation, RemoveCerts) and adds
    BuildServerTLSConfig/BuildClientTLSConfig, which turn an issued
    *tls.Certificate plus the CA into the *tls.Config pkg/transport's
    http.Server and http.Client need.

river's types.Task has no secrets field (task execution takes command,
image, env and mounts — no SecretReference), so there is no user-facing
secrets API here. Only the free functions needed for CA-key-at-rest
encryption — DeriveKeyFromClusterID, SetClusterEncryptionKey, Encrypt,
Decrypt — live in crypto.go.
*/
package security
