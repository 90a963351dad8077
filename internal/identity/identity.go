// Package identity implements the authentication manager.
//
// Two independent validation paths produce the same VerifiedIdentity: local
// process inspection (pid, executable, owning user) and remote certificate
// validation (trust chain, CN patterns, optional fingerprint pinning). Both
// paths are stateless per call; nothing caches "this peer is trusted forever"
// and every authentication re-validates from scratch.
package identity

// Method names the validation path that produced an identity.
type Method string

const (
	// MethodProcess identifies clients validated by OS process inspection.
	MethodProcess Method = "process"

	// MethodCertificate identifies clients validated by TLS peer certificate.
	MethodCertificate Method = "certificate"
)

// VerifiedIdentity is the resolved, immutable description of who is asking.
//
// ClientID is the uniform identifier used by authorization rules and audit
// entries: "pid:<n>" for process identities, the certificate CN verbatim for
// certificate identities.
type VerifiedIdentity struct {
	ClientID string
	Method   Method
	// Metadata carries audit-relevant facts about how the identity was
	// established (executable path, owning user, fingerprint). Never secrets.
	Metadata map[string]any
}
