package cachemanager

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
)

// versionPrefix is prepended to every versioned key: "v:{version}:{key}".
const versionPrefix = "v"

// VersionManager tracks the current version string for every namespace and
// memoizes code-identity → digest lookups so repeated registrations of the
// same source text are O(1) after the first.
//
// Three independent sync.Map instances (integer versions, memoized digests,
// code-pinned versions) are used rather than one RWMutex-guarded map,
// mirroring the regex cache in invalidation.PatternMatcher; a separate
// mutex serializes only BumpVersion's read-modify-write. Namespace lookups
// and digest memoization are read-heavy and touch disjoint keyspaces, so
// there is no benefit to sharing a lock between them.
type VersionManager struct {
	namespaces sync.Map // map[string]*int64 current integer version per namespace
	digests    sync.Map // map[string]string memoized code-identity -> digest
	codeVers   sync.Map // map[string]string namespaces pinned to a "code-{digest}" version
	mu         sync.Mutex
}

// NewVersionManager creates an empty version manager. Namespaces come into
// existence on first use (NamespaceVersion with auto_version=true) or
// explicit registration (Register).
func NewVersionManager() *VersionManager {
	return &VersionManager{}
}

// Register seeds a namespace with version 1 if it does not already exist.
// autoVersion tolerates a namespace that is queried before being
// registered: NamespaceVersion will synthesize v1 rather than error.
func (vm *VersionManager) Register(namespace string, autoVersion bool) string {
	if v, ok := vm.namespaces.Load(namespace); ok {
		return formatVersion(*v.(*int64))
	}
	if !autoVersion {
		return ""
	}
	one := int64(1)
	actual, _ := vm.namespaces.LoadOrStore(namespace, &one)
	return formatVersion(*actual.(*int64))
}

// NamespaceVersion returns the current version string for namespace,
// creating v1 on first access (auto_version semantics — spec.md §4.7).
func (vm *VersionManager) NamespaceVersion(namespace string) string {
	if v, ok := vm.namespaces.Load(namespace); ok {
		return formatVersion(*v.(*int64))
	}
	return vm.Register(namespace, true)
}

// BumpVersion increments namespace's version by one and returns the new
// version string, e.g. "v1" -> "v2". This is the monotonically increasing
// integer suffix form; for code-change-driven bumps use BumpCodeVersion.
func (vm *VersionManager) BumpVersion(namespace string) string {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	v, ok := vm.namespaces.Load(namespace)
	if !ok {
		one := int64(1)
		vm.namespaces.Store(namespace, &one)
		return formatVersion(1)
	}
	ptr := v.(*int64)
	*ptr++
	return formatVersion(*ptr)
}

// BumpCodeVersion sets namespace's version to the literal "code-{digest}"
// form, where digest is derived from sourceText via CodeDigest. This
// version string is not monotonically comparable to integer versions — it
// simply must differ whenever the source text changes, which SHA-256 over
// the text guarantees with overwhelming probability.
func (vm *VersionManager) BumpCodeVersion(namespace, sourceText string) string {
	digest := vm.CodeDigest(namespace, sourceText)
	version := "code-" + digest
	vm.codeVers.Store(namespace, version)
	return version
}

// CodeDigest returns the memoized SHA-256 hex digest of sourceText for the
// given code-identity (function/class/model name). Repeated calls with the
// same identity and unchanged text return the cached digest in O(1); a
// changed text recomputes and updates the memo. For data-model identities
// the caller should fold the attribute name-and-type schema into sourceText
// before calling, since the digest only ever sees what it is given.
func (vm *VersionManager) CodeDigest(identity, sourceText string) string {
	sum := sha256.Sum256([]byte(sourceText))
	digest := hex.EncodeToString(sum[:])

	if cached, ok := vm.digests.Load(identity); ok {
		if cached.(string) == digest {
			return digest
		}
	}
	vm.digests.Store(identity, digest)
	return digest
}

// VersionedKey prefixes key with the namespace's current version:
// "v:{version}:{key}". The manager never exposes the raw key without this
// wrapper to calling code, so no secret-bearing value ever needs to route
// around versioning.
func (vm *VersionManager) VersionedKey(namespace, key string) string {
	version := vm.effectiveVersion(namespace)
	return strings.Join([]string{versionPrefix, version, key}, keySeparator)
}

func (vm *VersionManager) effectiveVersion(namespace string) string {
	if v, ok := vm.codeVers.Load(namespace); ok {
		return v.(string)
	}
	return vm.NamespaceVersion(namespace)
}

func formatVersion(n int64) string {
	return "v" + strconv.FormatInt(n, 10)
}

// StripVersion removes the "v:{version}:" prefix from a versioned key,
// returning the original key and the version string that was attached. It
// returns ok=false if the input does not look like a versioned key.
func StripVersion(versionedKey string) (key, version string, ok bool) {
	parts := strings.SplitN(versionedKey, keySeparator, 3)
	if len(parts) != 3 || parts[0] != versionPrefix {
		return "", "", false
	}
	return parts[2], parts[1], true
}
