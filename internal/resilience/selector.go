package resilience

// Score weights a server's last reported load; lower is better.
//
//	queueLength*10 + activeJobs*5 + avgProcessingTime*0.5 - (availableWorkers/totalWorkers)*20
//
// The worker ratio term is 0 when totalWorkers is 0.
func Score(load LoadSnapshot) float64 {
	score := float64(load.QueueLength)*10 +
		float64(load.ActiveJobs)*5 +
		load.AvgProcessingTime*0.5
	if load.TotalWorkers > 0 {
		score -= float64(load.AvailableWorkers) / float64(load.TotalWorkers) * 20
	}
	return score
}

// SelectBest returns the candidate with the lowest [Score]. Ties go to the
// candidate listed first. A single candidate is returned without scoring; an
// empty list yields ok == false. Candidates unknown to r score as an idle
// server with no reported workers.
//
// The choice is greedy and stateless: it only sees the last reported
// snapshots and is recomputed on every call.
func SelectBest(r *Registry, candidates []string) (url string, ok bool) {
	switch len(candidates) {
	case 0:
		return "", false
	case 1:
		return candidates[0], true
	}

	best := candidates[0]
	bestScore := r.score(best)
	for _, c := range candidates[1:] {
		if s := r.score(c); s < bestScore {
			best, bestScore = c, s
		}
	}
	return best, true
}

func (r *Registry) score(url string) float64 {
	h, ok := r.servers[url]
	if !ok {
		return 0
	}
	return Score(h.LoadSnapshot)
}
