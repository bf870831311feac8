// Command taskforge is a thin CLI ingress shim over the orchestration
// engine (spec.md §6): submit a task and drive it to completion in the
// foreground, or inspect the durable audit trail of a task submitted by an
// earlier run. It is a reference consumer of the core, not the core itself
// — a full production ingress (HTTP API, queue consumer) is out of scope
// per spec.md §1.
package main

func main() {
	Execute()
}
