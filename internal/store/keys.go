package store

// Versioned key layout for the KV store. Changing any of these is a
// migration event.
const (
	// KeyIdentityProfile holds the latest approved IdentityProfile.
	KeyIdentityProfile = "identity/profile"
	// KeyCognitiveProfile holds the stabilized CognitiveProfile.
	KeyCognitiveProfile = "identity/cognitive"
	// PrefixRepoMemory namespaces per-repo curated memory envelopes.
	PrefixRepoMemory = "memory/"
	// PrefixBlueprint namespaces per-repo golden knowledge blueprints.
	PrefixBlueprint = "blueprint/"
)

// RepoMemoryKey returns the curated memory key for a repository.
func RepoMemoryKey(repo string) string { return PrefixRepoMemory + repo }

// BlueprintKey returns the blueprint key for a repository.
func BlueprintKey(repo string) string { return PrefixBlueprint + repo }
