// Package costs tracks processing spend per job and actor. Workers reserve a
// pending record before calling paid providers and settle it with actual
// usage afterwards; a periodic reconciler fails pending records whose job
// died in between. All amounts are integral cents.
package costs
