// Package render fills the Vagrant definition and box metadata templates.
//
// Placeholders are written $name or ${name}; $$ is a literal dollar sign.
// Substitution is safe: a placeholder without a binding, or a dollar sign
// that does not start a placeholder, is copied to the output unchanged.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"boxforge/internal/failure"
)

// Kind selects one of the fixed templates.
type Kind int

const (
	// VMDefinition defines one VM: name, private address, base box and an
	// optional hostname.
	VMDefinition Kind = iota
	// PostInstallDefinition is embedded in a frozen box. It carries no
	// per-VM network or hostname stanza.
	PostInstallDefinition
	// ImageMetadata describes the box format and virtual disk size.
	ImageMetadata
)

func (k Kind) String() string {
	switch k {
	case VMDefinition:
		return "vm-definition"
	case PostInstallDefinition:
		return "post-install-definition"
	case ImageMetadata:
		return "image-metadata"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Binding keys understood by VMDefinition.
const (
	KeyVMName    = "vmName"
	KeyIPAddress = "ipAddress"
	KeyBaseImage = "baseImageName"
	KeyHostname  = "hostname"
)

var placeholder = regexp.MustCompile(`\$(?:(\$)|([_a-zA-Z][_a-zA-Z0-9]*)|\{([_a-zA-Z][_a-zA-Z0-9]*)\})`)

// Substitute replaces placeholders in text with their bindings.
func Substitute(text string, bindings map[string]string) string {
	return placeholder.ReplaceAllStringFunc(text, func(match string) string {
		m := placeholder.FindStringSubmatch(match)
		switch {
		case m[1] != "":
			return "$"
		case m[2] != "":
			if v, ok := bindings[m[2]]; ok {
				return v
			}
		case m[3] != "":
			if v, ok := bindings[m[3]]; ok {
				return v
			}
		}
		return match
	})
}

// Render produces the text of template kind.
func Render(kind Kind, bindings map[string]string) (string, error) {
	switch kind {
	case VMDefinition:
		for _, key := range []string{KeyVMName, KeyIPAddress, KeyBaseImage} {
			if strings.TrimSpace(bindings[key]) == "" {
				return "", failure.New(failure.InvalidInput, "render "+kind.String(),
					fmt.Errorf("binding %q is required", key))
			}
		}
		tmpl := vmDefinitionTemplate
		if bindings[KeyHostname] != "" {
			tmpl = vmDefinitionWithHostnameTemplate
		}
		return Substitute(tmpl, bindings), nil
	case PostInstallDefinition:
		return postInstallTemplate, nil
	case ImageMetadata:
		return metadataTemplate, nil
	default:
		return "", failure.New(failure.InvalidInput, "render", fmt.Errorf("unknown template %s", kind))
	}
}
