package plugin

import "context"

// Module is a reusable task kind that plan files refer to by name in a
// task's `type` field. Each plan task compiles into an engine task whose body
// calls Perform.
type Module interface {
	// Perform runs one attempt of the task.
	//
	// params holds the task's `params` block with every string already rendered
	// against the flow parameters, upstream inputs and, for mapped tasks, the
	// current item. inputs maps each upstream task name to its value.
	//
	// A returned error is a task failure and is retried under the task's
	// retry policy. Perform must honor ctx cancellation.
	Perform(ctx context.Context, params map[string]interface{}, inputs map[string]interface{}) (interface{}, error)
}

// ModuleFactory creates new instances of a specific Module.
type ModuleFactory func() Module

// Registry maps task kind names to module factories.
type Registry interface {
	// Get returns the factory for name or a ModuleNotFoundError.
	Get(name string) (ModuleFactory, error)

	// Register associates a name with its factory. It fails for an empty name,
	// a nil factory or a duplicate name.
	Register(name string, factory ModuleFactory) error

	// List returns the registered names in no particular order.
	List() []string
}
