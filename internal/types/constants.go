// Package types provides type-safe constants shared by the registry,
// resolver and install layers.
//
// Values mirror the strings the registry uses on the wire, so they can be
// compared directly against release metadata.
package types

import (
	"fmt"
	"strings"
)

// Kind is the category of an installable artifact. It decides which file
// extension the resolver prefers and which directory the file lands in.
type Kind string

const (
	// KindMod is a loader mod packaged as a jar.
	KindMod Kind = "mod"
	// KindShader is a shader pack zip.
	KindShader Kind = "shader"
	// KindResourcePack is a resource pack zip.
	KindResourcePack Kind = "resourcepack"
	// KindModpack is a packaged modpack.
	KindModpack Kind = "modpack"
)

// AllKinds returns all valid artifact kinds.
func AllKinds() []Kind {
	return []Kind{KindMod, KindShader, KindResourcePack, KindModpack}
}

// Validate checks if the Kind is a valid value.
func (k Kind) Validate() error {
	switch k {
	case KindMod, KindShader, KindResourcePack, KindModpack:
		return nil
	case "":
		return fmt.Errorf("artifact kind is required")
	default:
		return fmt.Errorf("invalid artifact kind '%s' (must be mod, shader, resourcepack or modpack)", k)
	}
}

// String returns the string representation of the Kind.
func (k Kind) String() string {
	return string(k)
}

// Extension returns the file extension expected for this kind, including the dot.
func (k Kind) Extension() string {
	switch k {
	case KindMod:
		return ".jar"
	case KindShader, KindResourcePack:
		return ".zip"
	case KindModpack:
		return ".mrpack"
	default:
		return ""
	}
}

// Dir returns the directory, relative to the game directory, that artifacts
// of this kind are installed into.
func (k Kind) Dir() string {
	switch k {
	case KindMod:
		return "mods"
	case KindShader:
		return "shaderpacks"
	case KindResourcePack:
		return "resourcepacks"
	case KindModpack:
		return "modpacks"
	default:
		return ""
	}
}

// ProjectType returns the registry's project_type value for this kind.
func (k Kind) ProjectType() string {
	if k == KindShader {
		return "shader"
	}
	return string(k)
}

// ParseKind parses a string into a Kind. A few common plural and
// hyphenated spellings are accepted.
func ParseKind(s string) (Kind, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	switch norm {
	case "mods":
		norm = "mod"
	case "shaders", "shaderpack", "shaderpacks":
		norm = "shader"
	case "resource-pack", "resourcepacks", "resource_pack", "texturepack":
		norm = "resourcepack"
	case "modpacks":
		norm = "modpack"
	}
	k := Kind(norm)
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// Loader is a mod-loading layer identifier as used by the registry.
type Loader string

const (
	// LoaderFabric is the Fabric loader.
	LoaderFabric Loader = "fabric"
	// LoaderQuilt is the Quilt loader.
	LoaderQuilt Loader = "quilt"
	// LoaderForge is the Forge loader.
	LoaderForge Loader = "forge"
	// LoaderNeoForge is the NeoForge loader.
	LoaderNeoForge Loader = "neoforge"
	// LoaderIris marks shader packs built for Iris.
	LoaderIris Loader = "iris"
	// LoaderMinecraft is what the registry reports for plain resource packs.
	LoaderMinecraft Loader = "minecraft"
)

// AllLoaders returns all known loaders.
func AllLoaders() []Loader {
	return []Loader{LoaderFabric, LoaderQuilt, LoaderForge, LoaderNeoForge, LoaderIris, LoaderMinecraft}
}

// Validate checks if the Loader is a known value.
func (l Loader) Validate() error {
	for _, known := range AllLoaders() {
		if l == known {
			return nil
		}
	}
	if l == "" {
		return fmt.Errorf("loader is required")
	}
	return fmt.Errorf("invalid loader '%s'", l)
}

// String returns the string representation of the Loader.
func (l Loader) String() string {
	return string(l)
}

// InstallerMarker returns the filename fragment that identifies this
// loader's own installer jar, or "" when the loader has none.
func (l Loader) InstallerMarker() string {
	switch l {
	case LoaderFabric:
		return "fabric-loader"
	case LoaderQuilt:
		return "quilt-loader"
	case LoaderForge:
		return "forge-installer"
	case LoaderNeoForge:
		return "neoforge-installer"
	default:
		return ""
	}
}

// ParseLoader parses a string into a Loader.
func ParseLoader(s string) (Loader, error) {
	l := Loader(strings.ToLower(strings.TrimSpace(s)))
	if err := l.Validate(); err != nil {
		return "", err
	}
	return l, nil
}

// LoaderFor returns the loader a kind is filtered by when the user has
// selected gameLoader. Shader and resource packs use their own loader tags.
func LoaderFor(kind Kind, gameLoader Loader) Loader {
	switch kind {
	case KindShader:
		return LoaderIris
	case KindResourcePack:
		return LoaderMinecraft
	default:
		return gameLoader
	}
}
