package dsestore

import (
	"strings"

	"github.com/dsconverge/dsconverge/internal/schema"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// Fixed parts of the cn=config layout.
const (
	configDN      = "cn=config"
	ldbmDN        = "cn=ldbm database,cn=plugins," + configDN
	mappingTreeDN = "cn=mapping tree," + configDN
)

// DN returns the distinguished name an entity is stored under. Agreements
// live below the replica entry of their backend's suffix, so suffix must be
// the parent backend's suffix for them and is ignored otherwise.
func DN(p tree.Path, suffix string) string {
	switch p.Kind {
	case schema.KindInstance:
		return configDN
	case schema.KindBackend:
		return rdn(p.Backend) + "," + ldbmDN
	case schema.KindIndex:
		return rdn(p.Name) + ",cn=index," + rdn(p.Backend) + "," + ldbmDN
	case schema.KindAgreement:
		return rdn(p.Name) + ",cn=replica," + rdn(suffix) + "," + mappingTreeDN
	default:
		return ""
	}
}

func rdn(value string) string {
	return "cn=" + escapeRDNValue(value)
}

// escapeRDNValue escapes an attribute value for use inside an RDN.
func escapeRDNValue(v string) string {
	var b strings.Builder

	for i, r := range v {
		switch {
		case strings.ContainsRune(`,+"\<>;=`, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		case i == 0 && (r == ' ' || r == '#'):
			b.WriteByte('\\')
			b.WriteRune(r)
		case i == len(v)-1 && r == ' ':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}
