package harness

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
	"github.com/xeipuuv/gojsonschema"
)

// JSONValidator validates tool arguments against a compiled JSON schema.
type JSONValidator struct {
	schema *gojsonschema.Schema
}

// NewJSONValidator compiles schema. An empty schema accepts any JSON object.
func NewJSONValidator(schema []byte) (*JSONValidator, error) {
	if len(schema) == 0 {
		return &JSONValidator{}, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid tool schema: %w", err)
	}
	return &JSONValidator{schema: compiled}, nil
}

// Validate checks that data is JSON and conforms to the schema.
func (v *JSONValidator) Validate(data json.RawMessage) error {
	if !json.Valid(data) {
		return fmt.Errorf("arguments are not valid JSON")
	}
	if v.schema == nil {
		return nil
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// writeKeywords may not appear anywhere in a read-only query. REPLACE is
// absent on purpose: as a statement it must lead (and fails the SELECT/WITH
// check) and elsewhere it is the string function.
var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true,
	"ALTER": true, "CREATE": true, "ATTACH": true, "DETACH": true,
	"PRAGMA": true, "VACUUM": true, "REINDEX": true, "TRUNCATE": true,
	"GRANT": true, "REVOKE": true, "UPSERT": true, "MERGE": true,
}

// ReadOnlySQL enforces the query allow-list: exactly one statement, leading
// with SELECT or WITH, with no write or DDL keyword outside literals and
// comments. Violations are SchemaMismatch errors.
func ReadOnlySQL(query string) error {
	words, statements, err := scanSQL(query)
	if err != nil {
		return ports.NewError(ports.CodeSchemaMismatch, "%v", err)
	}
	if len(words) == 0 {
		return ports.NewError(ports.CodeSchemaMismatch, "query is empty")
	}
	if statements > 1 {
		return ports.NewError(ports.CodeSchemaMismatch, "only a single statement is allowed")
	}
	if first := words[0]; first != "SELECT" && first != "WITH" {
		return ports.NewError(ports.CodeSchemaMismatch, "only SELECT queries are allowed")
	}
	for _, w := range words {
		if writeKeywords[w] {
			return ports.NewError(ports.CodeSchemaMismatch, "only SELECT queries are allowed (found %s)", w)
		}
	}
	return nil
}

// scanSQL returns the upper-cased bare words of query outside literals and
// comments, and the number of non-empty statements.
func scanSQL(query string) ([]string, int, error) {
	var (
		words      []string
		statements int
		current    strings.Builder
		hasContent bool
	)
	flush := func() {
		if current.Len() > 0 {
			words = append(words, strings.ToUpper(current.String()))
			current.Reset()
		}
	}

	rs := []rune(query)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			flush()
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			flush()
			j := i + 2
			for ; j+1 < len(rs); j++ {
				if rs[j] == '*' && rs[j+1] == '/' {
					break
				}
			}
			if j+1 >= len(rs) {
				return nil, 0, fmt.Errorf("unterminated comment")
			}
			i = j + 1
		case r == '\'' || r == '"' || r == '`' || r == '[':
			flush()
			closing := r
			if r == '[' {
				closing = ']'
			}
			j := i + 1
			for ; j < len(rs); j++ {
				if rs[j] == closing {
					// doubled quote is an escaped quote
					if closing != ']' && j+1 < len(rs) && rs[j+1] == closing {
						j++
						continue
					}
					break
				}
			}
			if j >= len(rs) {
				return nil, 0, fmt.Errorf("unterminated literal")
			}
			hasContent = true
			i = j
		case r == ';':
			flush()
			if hasContent {
				statements++
				hasContent = false
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$':
			current.WriteRune(r)
			hasContent = true
		default:
			flush()
			if !unicode.IsSpace(r) {
				hasContent = true
			}
		}
	}
	flush()
	if hasContent {
		statements++
	}
	return words, statements, nil
}

// secretPatterns mask credentials that upstream error bodies sometimes echo.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password\s*[:=]\s*)\S+`),
	regexp.MustCompile(`(?i)(api[_-]?key\s*[:=]\s*)\S+`),
	regexp.MustCompile(`(?i)(token\s*[:=]\s*)\S+`),
	regexp.MustCompile(`(?i)(secret\s*[:=]\s*)\S+`),
	regexp.MustCompile(`(?i)([?&](?:key|token)=)[^&\s"]+`),
}

// SanitizeOutput masks credentials in text that is about to leave the process.
func SanitizeOutput(output string) string {
	for _, p := range secretPatterns {
		output = p.ReplaceAllString(output, "${1}[REDACTED]")
	}
	return output
}
