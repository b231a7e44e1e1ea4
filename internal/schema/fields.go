package schema

import (
	"maps"
	"slices"
)

// Field describes one recognized attribute of an entity kind.
type Field struct {
	Name     string
	Type     FieldType
	Default  Value    // zero Value means "no default"
	Required bool     // must be present when the entity is created
	Choices  []string // allowed values (case-insensitive), empty = any
	AllowOID bool     // list elements may also be dotted numeric OIDs

	// Immutable fields cannot be modified in place once they hold a value.
	Immutable bool
	// Key fields are immutable fields whose change is carried out by
	// deleting and recreating the entity.
	Key bool
	// Offline fields can only be modified while the instance is quiesced.
	Offline bool
	// CreateOnly fields are consumed when the entity is created and are
	// never compared or updated afterwards.
	CreateOnly bool
	// Hidden fields are never logged nor reported in facts.
	Hidden bool

	// DSEAttr is the directory attribute the field maps to in cn=config.
	DSEAttr string
}

var (
	bindMethods   = []string{"SIMPLE", "SSLCLIENTAUTH", "SASL/GSSAPI", "SASL/DIGEST-MD5"}
	transportInfo = []string{"LDAP", "TLS", "SSL"}
	onOff         = []string{"on", "off"}
	replicaRoles  = []string{RoleNone, RoleSupplier, RoleHub, RoleConsumer}
	indexTypes    = []string{"pres", "eq", "sub", "approx"}
)

// Field constructors keep the tables below readable.

func str(name, attr string) Field { return Field{Name: name, Type: TypeString, DSEAttr: attr} }

func num(name, attr string) Field { return Field{Name: name, Type: TypeInt, DSEAttr: attr} }

func flag(name, attr string) Field { return Field{Name: name, Type: TypeBool, DSEAttr: attr} }

func list(name, attr string) Field { return Field{Name: name, Type: TypeList, DSEAttr: attr} }

func (f Field) def(v Value) Field { f.Default = v; return f }
func (f Field) choice(c ...string) Field { f.Choices = c; return f }
func (f Field) required() Field { f.Required = true; return f }
func (f Field) immutable() Field { f.Immutable = true; return f }
func (f Field) key() Field { f.Immutable = true; f.Key = true; return f }
func (f Field) offline() Field { f.Offline = true; return f }
func (f Field) createOnly() Field { f.CreateOnly = true; return f }
func (f Field) hidden() Field { f.Hidden = true; return f }

var instanceFields = []Field{
	str("backup_dir", "nsslapd-bakdir"),
	str("cert_dir", "nsslapd-certdir").offline(),
	str("config_dir", "").createOnly(),
	str("db_dir", "nsslapd-directory").offline(),
	str("db_home_dir", "nsslapd-db-home-directory").offline(),
	str("db_lib", "nsslapd-backend-implement").choice("bdb", "mdb").def(StringValue("bdb")).offline().immutable(),
	str("full_machine_name", "nsslapd-localhost"),
	str("group", "nsslapd-group").offline(),
	str("inst_dir", "").createOnly(),
	str("ldapi", "nsslapd-ldapifilepath").offline(),
	str("ldif_dir", "nsslapd-ldifdir"),
	str("lock_dir", "nsslapd-lockdir").offline(),
	num("port", "nsslapd-port").def(IntValue(389)),
	str("root_dn", "nsslapd-rootdn").def(StringValue("cn=Directory Manager")),
	str("rootpw", "nsslapd-rootpw").hidden(),
	str("run_dir", "nsslapd-rundir").offline(),
	str("schema_dir", "nsslapd-schemadir"),
	num("secure_port", "nsslapd-secureport").def(IntValue(636)),
	flag("self_sign_cert", "").def(BoolValue(true)).createOnly(),
	num("self_sign_cert_valid_months", "").def(IntValue(24)).createOnly(),
	flag("selinux", "").createOnly(),
	flag("started", "").def(BoolValue(true)),
	flag("strict_host_checking", "").createOnly(),
	flag("systemd", "").createOnly(),
	str("tmp_dir", "nsslapd-tmpdir"),
	str("user", "nsslapd-localuser").offline(),
	num("nsslapd_backend_opt_level", "nsslapd-backend-opt-level").def(IntValue(1)),
	str("nsslapd_exclude_from_export", "nsslapd-exclude-from-export").
		def(StringValue("entrydn entryid dncomp parentid numSubordinates tombstonenumsubordinates entryusn")),
	num("nsslapd_idlistscanlimit", "nsslapd-idlistscanlimit").def(IntValue(4000)),
	num("nsslapd_import_cachesize", "nsslapd-import-cachesize").def(IntValue(16777216)),
	num("nsslapd_lookthroughlimit", "nsslapd-lookthroughlimit").def(IntValue(5000)),
	num("nsslapd_mode", "nsslapd-mode").def(IntValue(600)),
	num("nsslapd_pagedidlistscanlimit", "nsslapd-pagedidlistscanlimit").def(IntValue(0)),
	num("nsslapd_pagedlookthroughlimit", "nsslapd-pagedlookthroughlimit").def(IntValue(0)),
	num("nsslapd_rangelookthroughlimit", "nsslapd-rangelookthroughlimit").def(IntValue(5000)),
	str("nsslapd_search_bypass_filter_test", "nsslapd-search-bypass-filter-test").
		choice("on", "off", "verify").def(StringValue("on")),
	str("nsslapd_search_use_vlv_index", "nsslapd-search-use-vlv-index").choice(onOff...).def(StringValue("on")),
}

var backendFields = []Field{
	str("suffix", "nsslapd-suffix").required().key(),
	flag("sample_entries", "").createOnly(),
	flag("readonly", "nsslapd-readonly").def(BoolValue(false)),
	flag("require_index", "nsslapd-require-index"),
	num("entry_cache_number", "nsslapd-cachesize"),
	num("entry_cache_size", "nsslapd-cachememsize"),
	num("dn_cache_size", "nsslapd-dncachememsize"),
	str("directory", "nsslapd-directory").offline(),
	num("db_deadlock", "nsslapd-db-deadlock"),
	str("chain_bind_dn", "nsmultiplexorbinddn"),
	str("chain_bind_pw", "nsmultiplexorcredentials").hidden(),
	list("chain_urls", "nsfarmserverurl"),

	// replicarole is stored as AttrReplicaType plus AttrReplicaFlags.
	str("replicarole", "").choice(replicaRoles...).def(StringValue(RoleNone)),
	num("replicaid", "nsDS5ReplicaId"),
	num("replicabackoffmax", "nsDS5ReplicaBackoffMax"),
	num("replicabackoffmin", "nsDS5ReplicaBackoffMin"),
	str("replicabinddn", "nsDS5ReplicaBindDN"),
	str("replicabinddngroup", "nsDS5ReplicaBindDNGroup"),
	num("replicabinddngroupcheckinterval", "nsDS5ReplicaBindDNGroupCheckInterval"),
	str("replicacredentials", "nsDS5ReplicaCredentials").hidden(),
	str("replicaprecisetombstonepurging", "nsDS5ReplicaPreciseTombstonePurging"),
	num("replicaprotocoltimeout", "nsDS5ReplicaProtocolTimeout"),
	str("replicapurgedelay", "nsDS5ReplicaPurgeDelay"),
	list("replicareferral", "nsDS5ReplicaReferral"),
	num("replicareleasetimeout", "nsDS5ReplicaReleaseTimeout"),
	num("replicatombstonepurgeinterval", "nsDS5ReplicaTombstonePurgeInterval"),
	list("replicaupdateschedule", "nsDS5ReplicaUpdateSchedule"),
	num("replicawaitforasyncresults", "nsDS5ReplicaWaitForAsyncResults"),

	str("changelogencryptionalgorithm", "nsslapdChangelogEncryptionAlgorithm"),
	str("changelogmaxage", "nsslapdChangelogMaxAge"),
	num("changelogmaxentries", "nsslapdChangelogMaxEntries"),
	str("changelogsymetrickey", "nsslapdChangelogSymetricKey").hidden(),
	num("changelogtriminterval", "nsslapdChangelogTrimInterval"),
}

var indexFields = []Field{
	func() Field {
		f := list("indextype", "nsIndexType").choice(indexTypes...).required()
		f.AllowOID = true

		return f
	}(),
	list("matchingrule", "nsMatchingRule"),
	flag("systemindex", "nsSystemIndex").def(BoolValue(false)),
}

var agreementFields = []Field{
	str("replicahost", "nsDS5ReplicaHost"),
	num("replicaport", "nsDS5ReplicaPort").def(IntValue(389)),
	str("replicabinddn", "nsDS5ReplicaBindDN"),
	str("replicacredentials", "nsDS5ReplicaCredentials").hidden(),
	str("replicabindmethod", "nsDS5ReplicaBindMethod").choice(bindMethods...).def(StringValue("SIMPLE")),
	str("replicatransportinfo", "nsDS5ReplicaTransportInfo").choice(transportInfo...).def(StringValue("LDAP")),
	str("replicabootstrapbinddn", "nsDS5ReplicaBootstrapBindDN"),
	str("replicabootstrapbindmethod", "nsDS5ReplicaBootstrapBindMethod").choice(bindMethods...),
	str("replicabootstrapcredentials", "nsDS5ReplicaBootstrapCredentials").hidden(),
	str("replicabootstraptransportinfo", "nsDS5ReplicaBootstrapTransportInfo").choice(transportInfo...),
	num("replicabusywaittime", "nsDS5ReplicaBusyWaitTime"),
	str("replicaenabled", "nsDS5ReplicaEnabled").choice(onOff...).def(StringValue("on")),
	num("replicaflowcontrolpause", "nsDS5ReplicaFlowControlPause"),
	num("replicaflowcontrolwindow", "nsDS5ReplicaFlowControlWindow"),
	str("replicaignoremissingchange", "nsDS5ReplicaIgnoreMissingChange").
		choice("never", "once", "always", "on", "off"),
	num("replicasessionpausetime", "nsDS5ReplicaSessionPauseTime"),
	list("replicastripattrs", "nsDS5ReplicaStripAttrs"),
	num("replicatimeout", "nsDS5ReplicaTimeout"),
	list("replicatedattributelist", "nsDS5ReplicatedAttributeList"),
	list("replicatedattributelisttotal", "nsDS5ReplicatedAttributeListTotal"),
	list("replicaupdateschedule", "nsDS5ReplicaUpdateSchedule"),
	num("replicawaitforasyncresults", "nsDS5ReplicaWaitForAsyncResults"),
}

// registry maps kind -> field name -> field. Populated once in init.
var registry = map[Kind]map[string]Field{}

func init() {
	tables := map[Kind][]Field{
		KindInstance:  instanceFields,
		KindBackend:   backendFields,
		KindIndex:     indexFields,
		KindAgreement: agreementFields,
	}

	for kind, fields := range tables {
		m := make(map[string]Field, len(fields))
		for _, f := range fields {
			if _, dup := m[f.Name]; dup {
				panic("schema: duplicate field " + f.Name + " for " + kind.String())
			}

			m[f.Name] = f
		}

		registry[kind] = m
	}
}

// Fields returns the fields recognized for kind, sorted by name.
func Fields(kind Kind) []Field {
	m := registry[kind]
	names := slices.Sorted(maps.Keys(m))

	out := make([]Field, 0, len(names))
	for _, n := range names {
		out = append(out, m[n])
	}

	return out
}

// Lookup returns the field named name for kind. The name must already be
// canonical (see CanonicalName).
func Lookup(kind Kind, name string) (Field, bool) {
	f, ok := registry[kind][name]
	return f, ok
}

// Defaults returns the create-time default of every field of kind that
// declares one.
func Defaults(kind Kind) map[string]Value {
	out := make(map[string]Value)

	for name, f := range registry[kind] {
		if !f.Default.IsZero() {
			out[name] = f.Default
		}
	}

	return out
}

// WithDefaults returns fields merged over the defaults of kind. Explicit
// values always win.
func WithDefaults(kind Kind, fields map[string]Value) map[string]Value {
	out := Defaults(kind)
	for k, v := range fields {
		out[k] = v
	}

	return out
}

// CheckRequired returns a violation for every required field of kind
// missing from fields.
func CheckRequired(kind Kind, fields map[string]Value) error {
	var errs []error

	for _, f := range Fields(kind) {
		if !f.Required {
			continue
		}

		if _, ok := fields[f.Name]; !ok {
			errs = append(errs, &ViolationError{Kind: kind, Field: f.Name, Reason: "required field is missing"})
		}
	}

	return joinErrors(errs)
}

// Normalize canonicalizes the keys of values read back from a server and
// drops the ones kind does not recognize, returning their names. Suffixes
// are DN-normalized so they compare equal to validated input.
func Normalize(kind Kind, fields map[string]Value) (map[string]Value, []string) {
	out := make(map[string]Value, len(fields))

	var dropped []string

	for key, v := range fields {
		name := CanonicalName(key)
		if _, ok := Lookup(kind, name); !ok {
			dropped = append(dropped, key)
			continue
		}

		if name == "suffix" && v.Type == TypeString {
			v = StringValue(NormalizeDN(v.Str()))
		}

		out[name] = v
	}

	slices.Sort(dropped)

	return out, dropped
}
