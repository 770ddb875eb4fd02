/*
Package metrics defines and registers river's Prometheus metrics and exposes
them over HTTP for scraping.

Metric groups mirror the component map: cluster state (nodes, tasks),
scheduler latency and outcome counts, dispatch suspicion/requeue counts,
liveness sweep duration and offline/lost transitions, overlay allocation
occupancy, IP reservation occupancy, and the single-node Raft apply path
retained for the FSM commit pipeline.

Timer is a small helper for recording elapsed time against a histogram;
it carries no domain coupling and is used the same way across every
component that reports a duration metric.
*/
package metrics
