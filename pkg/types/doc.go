/*
Package types defines the core data structures shared by every part of
the federation node.

The main entity groups are:

Identity and access:
  - Component: a participant (CLIENT, NODE, WORKER, USER)
  - Token: bearer credential bound to a component
  - Project: capability scope over a set of datasources

Computation:
  - DataSource: dataset owned by one client, identified by hash
  - Artifact: immutable user submission (transform + model/estimator +
    execution plan)
  - Job: one scheduled unit of work (PARTIAL or AGGREGATION)
  - Result: pointer to an opaque blob plus provenance

Wire messages for the HTTP surface live in wire.go; the error taxonomy
in errors.go.

Jobs follow a strict state machine:

	CREATED → SCHEDULED → RUNNING → DONE
	          SCHEDULED → ERROR
	                      RUNNING → ERROR

Terminal states are absorbing. All types are JSON-serializable; the
storage layer persists them as JSON rows in bbolt buckets.
*/
package types
