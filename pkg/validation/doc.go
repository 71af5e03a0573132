// Package validation holds the admission checks that run before a job change
// action is built: container size limits per capacity group, security group
// syntax, and load balancer association rules. A rejected request becomes an
// ordinary failed Change Action outcome.
package validation
