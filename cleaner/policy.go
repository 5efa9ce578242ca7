package cleaner

import "github.com/wudi/pdfscrub/validator"

// Policy selects which traces Clean removes.
type Policy struct {
	// Metadata removes every Info entry, the catalog /Lang, and drops an
	// Info dictionary left empty.
	Metadata bool
	// Automation removes /OpenAction, /AA, /JS, the /JavaScript name tree,
	// and any reference to a JavaScript or Launch action.
	Automation bool
	// Extensions removes /Metadata (XMP) and /PieceInfo anywhere, and the
	// catalog /MarkInfo.
	Extensions bool
	// CustomKeys removes private keys anywhere (underscore-prefixed or
	// dotted second-class names) and non-standard catalog keys.
	CustomKeys bool
	// ScriptStreams clears streams and strings whose content matches a
	// signature.
	ScriptStreams bool
	// Padding truncates stream bytes beyond /Length or beyond the end
	// marker of the outermost codec.
	Padding bool
	// FontTimestamps zeroes head-table timestamps of embedded sfnt fonts.
	FontTimestamps bool
	// Structure nulls dangling references, empties streams that fail to
	// decode and writes /Length as a direct integer.
	Structure bool
	// PruneOrphans deletes objects unreachable from the trailer.
	PruneOrphans bool
	// RegenerateID replaces the trailer /ID with a content digest.
	RegenerateID bool

	// Signatures used by ScriptStreams. Nil selects the validator defaults.
	Signatures [][]byte
}

// DefaultPolicy enables every rule.
func DefaultPolicy() Policy {
	return Policy{
		Metadata:       true,
		Automation:     true,
		Extensions:     true,
		CustomKeys:     true,
		ScriptStreams:  true,
		Padding:        true,
		FontTimestamps: true,
		Structure:      true,
		PruneOrphans:   true,
		RegenerateID:   true,
	}
}

// MetadataPolicy removes metadata and XMP only, then prunes and re-identifies
// the document.
func MetadataPolicy() Policy {
	return Policy{
		Metadata:     true,
		Extensions:   true,
		CustomKeys:   true,
		PruneOrphans: true,
		RegenerateID: true,
	}
}

func (p Policy) signatures() [][]byte {
	if p.Signatures == nil {
		return validator.DefaultSignatures()
	}
	return p.Signatures
}

// metadataKeys are the document information entries defined by ISO 32000.
var metadataKeys = map[string]bool{
	"Title": true, "Author": true, "Subject": true, "Keywords": true, "Creator": true,
	"Producer": true, "CreationDate": true, "ModDate": true, "Trapped": true,
}

var catalogKeys = map[string]bool{
	"Type": true, "Version": true, "Extensions": true, "Pages": true, "PageLabels": true,
	"Names": true, "Dests": true, "ViewerPreferences": true, "PageLayout": true, "PageMode": true,
	"Outlines": true, "Threads": true, "OpenAction": true, "AA": true, "URI": true,
	"AcroForm": true, "Metadata": true, "StructTreeRoot": true, "MarkInfo": true, "Lang": true,
	"SpiderInfo": true, "OutputIntents": true, "PieceInfo": true, "OCProperties": true, "Perms": true,
	"Legal": true, "Requirements": true, "Collection": true, "NeedsRendering": true, "DSS": true,
	"AF": true, "DPartRoot": true,
}

// privateKey reports whether key is an underscore-prefixed or dotted
// second-class name such as PTEX.Fullbanner.
func privateKey(key string) bool {
	if key == "" {
		return false
	}
	if key[0] == '_' {
		return true
	}
	for i := 1; i < len(key)-1; i++ {
		if key[i] == '.' {
			return true
		}
	}
	return false
}
