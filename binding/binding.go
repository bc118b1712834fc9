// Package binding implements the §4.E Binding Generator: turning a tool
// catalog into host-language source text that a kernel can exec, exposing
// one callable per tool grouped by server under an `mcp_tools` object.
//
// Generation is grounded on original_source's code_mode.py
// (generate_mcp_bindings / generate_function_signature /
// json_schema_to_python_type) for the exact shape of the emitted source, and
// on codegen/mcp/mcp_schema.go's type-switch style for how the type mapping
// itself is expressed in Go.
package binding

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/codemode/daemon/catalog"
	codeerrors "github.com/codemode/daemon/errors"
)

// pythonType converts a spec §4.E type label into a Python type-hint
// fragment. The label vocabulary (text/integer/floating/boolean/
// sequence-of-X/mapping/none/dynamic) is the spec's abstraction over the
// concrete hint; this is the one place that concreteness is reintroduced.
func pythonType(label string) string {
	switch {
	case label == "text":
		return "str"
	case label == "integer":
		return "int"
	case label == "floating":
		return "float"
	case label == "boolean":
		return "bool"
	case label == "mapping":
		return "dict"
	case label == "none":
		return "None"
	case strings.HasPrefix(label, "sequence-of-"):
		inner := strings.TrimPrefix(label, "sequence-of-")
		return "list[" + pythonType(inner) + "]"
	default:
		return "Any"
	}
}

// param is one rendered function parameter.
type param struct {
	Name     string
	TypeHint string
	Required bool
}

// method is one rendered binding method: a sanitized name plus the
// parameters and doc text needed to emit its signature and call body.
type method struct {
	FullName        string // canonical catalog name, used as the wire tool name
	MethodName      string
	Description     string
	Params          []param
	SignatureParams string // e.g. "a: str, b=_ABSENT"
	KwargsBody      string // e.g. "a=a, b=b"
}

// server groups the methods belonging to one server id, in the shape the
// template iterates over.
type server struct {
	ID      string
	Methods []method
}

const preludeTemplate = `import json
import urllib.request
import urllib.error

_PROXY_URL = {{printf "%q" .ProxyURL}}
_SESSION_ID = {{printf "%q" .SessionID}}


class _Absent:
    """Sentinel for a parameter the caller did not supply."""

    def __repr__(self):
        return "<absent>"


_ABSENT = _Absent()


def _unwrap(content):
    """Unwrap MCP content items into plain Python data.

    A tool result is a list of items like [{"type": "text", "text": "..."}];
    each text item's payload is itself JSON and is parsed back into a Python
    value. A single-item result collapses to that value directly.
    """
    if not isinstance(content, list):
        return content

    values = []
    for item in content:
        if isinstance(item, dict) and item.get("type") == "text":
            raw = item.get("text", "")
            try:
                values.append(json.loads(raw))
            except (json.JSONDecodeError, TypeError):
                values.append(raw)
        elif isinstance(item, dict):
            values.append(item)
        else:
            values.append(item)

    if len(values) == 1:
        return values[0]
    return values


def _call_mcp_tool(name, **kwargs):
    kwargs = {k: v for k, v in kwargs.items() if v is not _ABSENT}
    payload = json.dumps(
        {"session_id": _SESSION_ID, "tool_name": name, "arguments": kwargs}
    ).encode("utf-8")
    req = urllib.request.Request(
        _PROXY_URL,
        data=payload,
        headers={"Content-Type": "application/json"},
        method="POST",
    )
    try:
        with urllib.request.urlopen(req) as resp:
            body = json.loads(resp.read().decode("utf-8"))
    except urllib.error.HTTPError as exc:
        raise RuntimeError(
            "tool call failed: %s" % exc.read().decode("utf-8", "replace")
        ) from exc
    if body.get("error"):
        raise RuntimeError(body["error"])
    return _unwrap(body.get("result"))

`

const serverClassTemplate = `
class _{{.ID}}Tools:
    """Bindings for MCP server "{{.ID}}"."""
{{range .Methods}}
    @staticmethod
    def {{.MethodName}}({{.SignatureParams}}):
        """{{.Description}}"""
        return _call_mcp_tool({{printf "%q" .FullName}}, {{.KwargsBody}})
{{end}}

`

const epilogueTemplate = `
class _McpTools:
    """Namespace grouping every bound server's tools."""
{{range .}}    {{.ID}} = _{{.ID}}Tools(){{"\n"}}{{end}}

mcp_tools = _McpTools()
`

var (
	preludeTmpl     = template.Must(template.New("prelude").Parse(preludeTemplate))
	serverClassTmpl = template.Must(template.New("serverClass").Parse(serverClassTemplate))
	epilogueTmpl    = template.Must(template.New("epilogue").Parse(epilogueTemplate))
)

// Generate renders the binding source text exposing every tool in cat,
// grouped by server, with calls routed through proxyURL using sessionID. cat
// must already have passed catalog.Validate — Generate does not re-check
// collisions or schema validity.
func Generate(cat catalog.Catalog, proxyURL, sessionID string) (string, error) {
	if proxyURL == "" {
		return "", codeerrors.New(codeerrors.KindProtocol, "binding generation requires a non-empty proxy URL")
	}
	if sessionID == "" {
		return "", codeerrors.New(codeerrors.KindProtocol, "binding generation requires a non-empty session id")
	}

	serverIDs, groups := catalog.ServerGroups(cat)

	var out strings.Builder
	if err := preludeTmpl.Execute(&out, struct{ ProxyURL, SessionID string }{proxyURL, sessionID}); err != nil {
		return "", codeerrors.Wrap(codeerrors.KindProtocol, "render binding prelude", err)
	}

	servers := make([]server, 0, len(serverIDs))
	for _, id := range serverIDs {
		names := groups[id]
		methods := make([]method, 0, len(names))
		for _, name := range names {
			m, err := buildMethod(cat, name)
			if err != nil {
				return "", err
			}
			methods = append(methods, m)
		}
		servers = append(servers, server{ID: sanitizeIdentifier(id), Methods: methods})
	}

	for _, s := range servers {
		if err := serverClassTmpl.Execute(&out, s); err != nil {
			return "", codeerrors.Wrap(codeerrors.KindProtocol, fmt.Sprintf("render binding class for server %q", s.ID), err)
		}
	}
	if err := epilogueTmpl.Execute(&out, servers); err != nil {
		return "", codeerrors.Wrap(codeerrors.KindProtocol, "render binding epilogue", err)
	}
	return out.String(), nil
}

func buildMethod(cat catalog.Catalog, fullName string) (method, error) {
	entry := cat[fullName]
	_, tail := catalog.SplitName(fullName)
	methodName := catalog.MethodName(tail)

	parsed, err := catalog.ParseParameters(entry.Spec.Parameters)
	if err != nil {
		return method{}, codeerrors.Wrap(codeerrors.KindProtocol, fmt.Sprintf("tool %q: parse parameters", fullName), err)
	}

	var params []param
	var sigParts []string
	var kwargParts []string
	// Required parameters first with no default, so Python's "non-default
	// after default" rule is never violated regardless of schema order.
	order := append(append([]string{}, requiredFirst(parsed)...), optionalFirst(parsed)...)
	for _, name := range order {
		label := catalog.TypeLabel(parsed.Props[name])
		hint := pythonType(label)
		req := parsed.Required[name]
		params = append(params, param{Name: name, TypeHint: hint, Required: req})
		if req {
			sigParts = append(sigParts, fmt.Sprintf("%s: %s", name, hint))
		} else {
			sigParts = append(sigParts, fmt.Sprintf("%s=_ABSENT", name))
		}
		kwargParts = append(kwargParts, fmt.Sprintf("%s=%s", name, name))
	}

	desc := entry.Spec.Description
	if desc == "" {
		desc = fullName
	}

	return method{
		FullName:        fullName,
		MethodName:      methodName,
		Description:     strings.ReplaceAll(desc, `"""`, `'''`),
		Params:          params,
		SignatureParams: strings.Join(sigParts, ", "),
		KwargsBody:      strings.Join(kwargParts, ", "),
	}, nil
}

func requiredFirst(p catalog.ParsedParameters) []string {
	var out []string
	for _, name := range p.Order {
		if p.Required[name] {
			out = append(out, name)
		}
	}
	return out
}

func optionalFirst(p catalog.ParsedParameters) []string {
	var out []string
	for _, name := range p.Order {
		if !p.Required[name] {
			out = append(out, name)
		}
	}
	return out
}

func sanitizeIdentifier(s string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	s = r.Replace(s)
	if s == "" {
		return "default"
	}
	return s
}
