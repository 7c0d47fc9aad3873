// Package api defines the shared contract types for the FlowMonkey engine:
// flow and step definitions, execution state, handler results, jobs, pipes,
// resume tokens, and the lifecycle event catalog
package api
