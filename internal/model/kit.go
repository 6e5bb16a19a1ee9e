// Package model defines the core domain types for CLERK.
//
// Types correspond directly to database tables and wire payloads.
// Strong typing (UUIDs, time.Time, enums) is used throughout; interface{}
// appears only where tool configurations are genuinely free-form.
package model

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Kit is a reasoning kit: the top-level entity owning versioned
// collections of resources, workflow steps, and tool references.
type Kit struct {
	ID               uuid.UUID  `json:"id"`
	Slug             string     `json:"slug"`
	Name             string     `json:"name"`
	Description      *string    `json:"description,omitempty"`
	IsPublic         bool       `json:"is_public"`
	CurrentVersionID *uuid.UUID `json:"current_version_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// KitVersion is an immutable snapshot of a kit's contents.
type KitVersion struct {
	ID            uuid.UUID `json:"id"`
	KitID         uuid.UUID `json:"kit_id"`
	VersionNumber int       `json:"version_number"`
	CommitMessage *string   `json:"commit_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Resource is named text content available for placeholder substitution.
// Dynamic resources have no content until supplied by the caller at run
// start; a run must fail fast if any dynamic resource is unfilled.
type Resource struct {
	Number      int    `json:"number"`
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	IsDynamic   bool   `json:"is_dynamic"`
	DisplayName string `json:"display_name,omitempty"`
}

// ResourceID returns the placeholder identifier for this resource,
// e.g. "resource_3".
func (r Resource) ResourceID() string {
	return fmt.Sprintf("resource_%d", r.Number)
}

// WorkflowStep is one templated instruction plus its output identifier.
type WorkflowStep struct {
	Number      int    `json:"number"`
	Prompt      string `json:"prompt"`
	DisplayName string `json:"display_name,omitempty"`
}

// OutputID returns the identifier under which this step's result is
// stored, e.g. "workflow_2". Later steps reference it as a placeholder.
func (s WorkflowStep) OutputID() string {
	return fmt.Sprintf("workflow_%d", s.Number)
}

// ToolRef attaches a registered tool to a kit version under a number,
// referenced in prompts as {tool_N}.
type ToolRef struct {
	Number        int            `json:"number"`
	ToolName      string         `json:"tool_name"`
	DisplayName   string         `json:"display_name,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// KitDefinition is a fully loaded, immutable kit version ready for
// execution. Resources are keyed by resource_id, steps and tools by
// their number.
type KitDefinition struct {
	Name      string
	Slug      string
	VersionID uuid.UUID
	Resources map[string]Resource
	Steps     map[int]WorkflowStep
	Tools     map[int]ToolRef
}

// StepNumbers returns the step numbers in ascending order.
func (k KitDefinition) StepNumbers() []int {
	nums := make([]int, 0, len(k.Steps))
	for n := range k.Steps {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// TotalSteps returns the number of workflow steps in the kit.
func (k KitDefinition) TotalSteps() int {
	return len(k.Steps)
}

// MissingDynamicResources returns the resource ids of dynamic resources
// that still have no content. A run must not start while any remain.
func (k KitDefinition) MissingDynamicResources() []string {
	var missing []string
	for _, num := range k.resourceNumbers() {
		r := k.Resources[fmt.Sprintf("resource_%d", num)]
		if r.IsDynamic && r.Content == "" {
			missing = append(missing, r.ResourceID())
		}
	}
	return missing
}

func (k KitDefinition) resourceNumbers() []int {
	nums := make([]int, 0, len(k.Resources))
	for _, r := range k.Resources {
		nums = append(nums, r.Number)
	}
	sort.Ints(nums)
	return nums
}
