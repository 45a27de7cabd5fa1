package detector

import "github.com/ayusman/mudra/internal/geometry"

// Process applies spec to every landmark in result.
//
// The input is never modified: results already handed to a renderer stay
// stable. Results that are not OK, carry no sets, or an identity spec are
// returned as-is.
func Process(result Result, spec geometry.TransformSpec) Result {
	if spec.IsIdentity() || !result.OK || result.Sets == nil {
		return result
	}

	out := result
	out.Sets = make([]LandmarkSet, len(result.Sets))
	for i, set := range result.Sets {
		out.Sets[i] = set
		if set.Points == nil {
			continue
		}

		points := make([]geometry.Point, len(set.Points))
		for j, p := range set.Points {
			points[j] = geometry.Transform(p, spec)
		}
		out.Sets[i].Points = points
	}

	return out
}
