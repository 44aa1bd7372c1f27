package types

// AttachBranch classifies an attach request against the customer's current
// product set. The orchestrator computes it once and every downstream step
// switches on it.
type AttachBranch string

const (
	// AttachBranchNew attaches a paid product where none (or only the free
	// default) exists in the group.
	AttachBranchNew AttachBranch = "new"
	// AttachBranchUpgrade replaces a cheaper current product immediately,
	// crediting its remaining value and charging the new prorated cost.
	AttachBranchUpgrade AttachBranch = "upgrade"
	// AttachBranchDowngrade schedules a cheaper product for the next period
	// boundary and leaves the current one untouched.
	AttachBranchDowngrade AttachBranch = "downgrade"
	// AttachBranchRenew re-attaches the product the customer already has,
	// uncanceling it if needed; otherwise a no-op.
	AttachBranchRenew AttachBranch = "renew"
	// AttachBranchQuantityUpdate changes only the quantity of an already
	// active prepaid or continuous-use item.
	AttachBranchQuantityUpdate AttachBranch = "quantity_update"
	// AttachBranchMultiProduct attaches several products as one batch.
	AttachBranchMultiProduct AttachBranch = "multi_product"
)

func (b AttachBranch) String() string {
	return string(b)
}
