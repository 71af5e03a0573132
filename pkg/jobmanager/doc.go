/*
Package jobmanager turns job and task requests into change actions.

Every job is the root of its own entity tree with its tasks as children. The
Service validates a request, builds the matching change action and submits it
to the reconciler, which serializes the actions of each job and folds their
model updates into the job's tree.

Actions do their I/O (cloud capacity changes, instance termination) in
their computation and describe the outcome as model updates. Updates look
the job or task up again in the root they are applied to, so an action that
completes after its task was finished or removed changes nothing.

ScaleTasksAction is submitted with the Reconciler trigger: it compares the
active tasks of a service job with its desired capacity and creates or
finishes tasks to close the gap.
*/
package jobmanager
