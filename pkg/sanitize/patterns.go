package sanitize

import "regexp"

// blockedMarker replaces scrubbed fragments; redactedMarker replaces
// personal data found by the privacy patterns.
const (
	blockedMarker  = "[BLOCKED]"
	redactedMarker = "[REDACTED]"
)

// compiledPattern is one pre-compiled regex with its replacement.
type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// scrubPatterns run unconditionally over every string value, whatever the
// violated principle.
var scrubPatterns = []compiledPattern{
	{
		name:        "script_tag",
		regex:       regexp.MustCompile(`(?is)<script[^>]*>.*?</script>|<script[^>]*>`),
		replacement: blockedMarker,
	},
	{
		name:        "sql_injection",
		regex:       regexp.MustCompile(`(?i)\b(union\s+select|drop\s+table|truncate\s+table|delete\s+from|insert\s+into)\b`),
		replacement: blockedMarker,
	},
	{
		name:        "shell_chain",
		regex:       regexp.MustCompile(`(?i)[;&|]+\s*(rm|curl|wget|nc|bash|sh|chmod|chown|mkfs|dd)\b`),
		replacement: blockedMarker,
	},
	{
		name:        "dangerous_call",
		regex:       regexp.MustCompile(`\b(shell_exec|eval|exec|system)\b`),
		replacement: blockedMarker,
	},
}

// privacyPatterns redact personal data from string values when a privacy
// policy was violated.
var privacyPatterns = []compiledPattern{
	{
		name:        "email",
		regex:       regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		replacement: redactedMarker,
	},
	{
		name:        "ssn",
		regex:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		replacement: redactedMarker,
	},
	{
		name:        "credit_card",
		regex:       regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b`),
		replacement: redactedMarker,
	},
	{
		name:        "phone",
		regex:       regexp.MustCompile(`(\+?\d{1,3}[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
		replacement: redactedMarker,
	},
}

// dangerousActionKeys are payload keys stripped outright on safety
// violations. Matched against normalized key names.
var dangerousActionKeys = map[string]bool{
	"exec":         true,
	"execute":      true,
	"eval":         true,
	"shell":        true,
	"shellexec":    true,
	"system":       true,
	"spawn":        true,
	"sudo":         true,
	"rm":           true,
	"rmrf":         true,
	"deleteall":    true,
	"dropdatabase": true,
	"format":       true,
}

// privacyDenylist removes fields whose normalized names contain any of these
// terms on privacy violations.
var privacyDenylist = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"apikey",
	"email",
	"phone",
	"address",
	"dob",
	"dateofbirth",
	"ssn",
	"socialsecurity",
	"creditcard",
	"cardnumber",
	"bankaccount",
	"iban",
	"cvv",
}

// pathLikeKeys are payload keys whose string values are normalized as file
// paths on safety violations.
var pathLikeKeys = map[string]bool{
	"path":      true,
	"filepath":  true,
	"file":      true,
	"filename":  true,
	"directory": true,
	"dir":       true,
	"target":    true,
	"source":    true,
	"dest":      true,
}

// reliability ceilings, per the resource-limit remediation contract.
const (
	timeoutFloorMs   = 5_000
	timeoutCeilMs    = 30_000
	memoryLimitCeil  = 512 << 20
	retriesCeil      = 10
	batchSizeCeil    = 1_000
	maxConcurrentCap = 10
)
