package pipeline

// Profile is the compute allocation assigned to one worker. CPU is expressed
// in scheduler units (1024 units per vCPU) and memory in megabytes, matching
// what the launcher translates into container resource requests.
type Profile struct {
	CPUUnits int
	MemoryMB int
}

// IsZero reports whether the profile is unset.
func (p Profile) IsZero() bool { return p.CPUUnits == 0 && p.MemoryMB == 0 }

// MaxBatchDomains caps how many domains a single worker takes. Workloads
// above the cap are partitioned into batches rather than given larger
// profiles, so the top tier bounds every worker's footprint.
const MaxBatchDomains = 200

// tiers maps a domain-count ceiling to the profile for workloads at or below
// it. Entries are ordered ascending and the last entry also serves capped
// workloads above MaxBatchDomains.
var tiers = []struct {
	maxDomains int
	profile    Profile
}{
	{10, Profile{CPUUnits: 256, MemoryMB: 512}},
	{50, Profile{CPUUnits: 512, MemoryMB: 1024}},
	{100, Profile{CPUUnits: 1024, MemoryMB: 2048}},
	{200, Profile{CPUUnits: 2048, MemoryMB: 4096}},
}

// ProfileFor maps a domain count to its compute tier. The function is pure
// and monotonically non-decreasing; counts below one are treated as one and
// counts above the top tier return the top tier unchanged.
func ProfileFor(domainCount int) Profile {
	if domainCount < 1 {
		domainCount = 1
	}
	for _, t := range tiers {
		if domainCount <= t.maxDomains {
			return t.profile
		}
	}
	return tiers[len(tiers)-1].profile
}

// PartitionTargets splits targets into batches of at most MaxBatchDomains,
// preserving order. Each batch is sized independently by ProfileFor.
func PartitionTargets(targets []string) [][]string {
	if len(targets) == 0 {
		return nil
	}

	batches := make([][]string, 0, (len(targets)+MaxBatchDomains-1)/MaxBatchDomains)
	for start := 0; start < len(targets); start += MaxBatchDomains {
		end := start + MaxBatchDomains
		if end > len(targets) {
			end = len(targets)
		}
		batch := make([]string, end-start)
		copy(batch, targets[start:end])
		batches = append(batches, batch)
	}
	return batches
}
