/*
Package cloud defines the connector to the cloud provider's instance groups.

InstanceCloudConnector enumerates instance groups and instances, changes
group capacity and terminates instances. Termination reports one result per
instance: a batch never fails because a single instance could not be
terminated. CombineErrors folds those per-instance results into a
go-multierror value for logging and Change Action outcomes.

InMemoryConnector keeps the same contract over in-process state. It backs
local runs of the keel binary and the job manager tests.
*/
package cloud
