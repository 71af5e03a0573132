/*
Package types defines the domain values held by the entity tree.

A Job is the root of its own tree. Its tasks hang below it as children, and
the instance groups and instances it runs on are recorded by the cloud
connector and referenced by id. All values are plain structs passed by value:
updating one means building a modified copy (Job.WithState, Task.WithState)
and storing it in a new holder, never editing the value a holder already
carries.

The Kind* constants name each type in persisted snapshots.
*/
package types
