package engine

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/clerkhq/clerk/internal/llm"
	"github.com/clerkhq/clerk/internal/model"
	"github.com/clerkhq/clerk/internal/tool"
)

var toolRefRe = regexp.MustCompile(`\{tool_([0-9]+)\}`)

// toolBinding is the result of binding a raw template's tool references:
// the schemas offered to the model, the callables to dispatch requested
// calls to, and the template with {tool_N} references rewritten into
// readable phrases.
type toolBinding struct {
	specs    []llm.ToolSpec
	callable map[string]tool.Tool
	template string
	warnings []string
}

// bindTools finds {tool_N} references in the raw template, resolves them
// through the kit's tool list and the registry, and rewrites each into a
// phrase naming the tool. An unregistered tool name does not fail the
// run: the model is simply not offered that capability, and the skip is
// reported through the binding's warnings so the caller can log it.
// A {tool_N} with no kit mapping is left for the resolver to flag.
func bindTools(template string, kitTools map[int]model.ToolRef, registry *tool.Registry) toolBinding {
	b := toolBinding{callable: make(map[string]tool.Tool), template: template}
	bound := make(map[string]bool)
	warned := make(map[string]bool)

	b.template = toolRefRe.ReplaceAllStringFunc(template, func(match string) string {
		num, _ := strconv.Atoi(toolRefRe.FindStringSubmatch(match)[1])
		ref, ok := kitTools[num]
		if !ok {
			return match
		}

		if t, registered := registry.Get(ref.ToolName); registered {
			if !bound[ref.ToolName] {
				bound[ref.ToolName] = true
				b.specs = append(b.specs, llm.ToolSpec{
					Name:        t.Name(),
					Description: t.Description(),
					Parameters:  t.ParameterSchema(),
				})
				b.callable[t.Name()] = t
			}
		} else if !warned[ref.ToolName] {
			warned[ref.ToolName] = true
			b.warnings = append(b.warnings,
				fmt.Sprintf("tool %s is not registered, capability not offered to the model", ref.ToolName))
		}

		name := ref.DisplayName
		if name == "" {
			name = ref.ToolName
		}
		return "the " + name + " tool"
	})
	return b
}
