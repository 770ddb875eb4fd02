/*
Package approval implements the Approval Gate (§4.6): a thin policy
layer in front of the Status Authority. It decides one thing —
PENDING_APPROVAL or PENDING — based on the submitting principal's tier
and whether authentication is enabled at all, generalizing the
teacher's join-token role distinction (a token's role gates whether a
joining node becomes a manager or a worker) to "a principal's tier
gates whether its task needs a human approval step".

Approve and Reject are deliberately thin: they check the caller's tier
is not itself USER, then hand the actual PENDING_APPROVAL -> PENDING or
PENDING_APPROVAL -> REJECTED transition to pkg/statemachine, which is
the only place task records are mutated.
*/
package approval
