// Package catalog defines the tool catalog shared by the Session Registry,
// Tool Proxy Endpoint, and Binding Generator: a mapping from canonical tool
// name to {spec, invoker}, plus the server/method name derivation rules the
// Binding Generator and Session Registry must agree on (spec §4.E, §9).
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	codeerrors "github.com/codemode/daemon/errors"
)

// Spec describes one tool: its name, description, and parameters as a JSON
// Schema document.
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Invoker executes a tool call given keyword-style arguments, returning the
// tool server's content envelope.
type Invoker func(ctx context.Context, arguments map[string]any) ([]map[string]any, error)

// Entry is one catalog row: a tool's spec paired with the capability that
// invokes it.
type Entry struct {
	Spec    Spec
	Invoker Invoker
}

// Catalog maps canonical tool name ("{server_id}_{tail}") to its Entry.
type Catalog map[string]Entry

// SplitName derives the server id and tail from a canonical tool name by
// splitting on the first underscore. Tools with no underscore are grouped
// under server id "default" with the full name as tail.
func SplitName(name string) (serverID, tail string) {
	idx := strings.Index(name, "_")
	if idx < 0 {
		return "default", name
	}
	return name[:idx], name[idx+1:]
}

// MethodName sanitizes a tail into a valid method identifier by replacing
// "-" and "." with "_".
func MethodName(tail string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return r.Replace(tail)
}

// ValidateCollisions rejects a catalog where two tools in the same server
// group sanitize to the same method name — spec §9 requires implementations
// to either reject such catalogs at registration time or disambiguate
// deterministically; this package chooses rejection.
func ValidateCollisions(cat Catalog) error {
	type key struct{ server, method string }
	seen := make(map[key]string, len(cat))

	names := make([]string, 0, len(cat))
	for name := range cat {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		server, tail := SplitName(name)
		method := MethodName(tail)
		k := key{server, method}
		if existing, ok := seen[k]; ok {
			return codeerrors.Errorf(codeerrors.KindProtocol,
				"tool catalog collision: %q and %q both sanitize to %s.%s", existing, name, server, method)
		}
		seen[k] = name
	}
	return nil
}

// ValidateSchemas compiles every tool's Parameters as a JSON Schema document,
// rejecting a catalog whose schema text is malformed.
func ValidateSchemas(cat Catalog) error {
	for name, entry := range cat {
		if len(entry.Spec.Parameters) == 0 {
			continue
		}
		var doc any
		if err := json.Unmarshal(entry.Spec.Parameters, &doc); err != nil {
			return codeerrors.Wrap(codeerrors.KindProtocol, fmt.Sprintf("tool %q: parameters is not valid JSON", name), err)
		}
		c := jsonschema.NewCompiler()
		resourceName := "tool://" + name
		if err := c.AddResource(resourceName, doc); err != nil {
			return codeerrors.Wrap(codeerrors.KindProtocol, fmt.Sprintf("tool %q: invalid parameters schema", name), err)
		}
		if _, err := c.Compile(resourceName); err != nil {
			return codeerrors.Wrap(codeerrors.KindProtocol, fmt.Sprintf("tool %q: parameters schema does not compile", name), err)
		}
	}
	return nil
}

// Validate runs both ValidateSchemas and ValidateCollisions.
func Validate(cat Catalog) error {
	if err := ValidateSchemas(cat); err != nil {
		return err
	}
	return ValidateCollisions(cat)
}

// ServerGroups groups tool names by server id, each list sorted for
// deterministic binding generation output.
func ServerGroups(cat Catalog) (serverIDs []string, groups map[string][]string) {
	groups = make(map[string][]string)
	for name := range cat {
		server, _ := SplitName(name)
		groups[server] = append(groups[server], name)
	}
	for server := range groups {
		serverIDs = append(serverIDs, server)
		sort.Strings(groups[server])
	}
	sort.Strings(serverIDs)
	return serverIDs, groups
}
