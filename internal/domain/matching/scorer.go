package matching

import (
	"math"

	"github.com/organmatch/organmatch/internal/domain/registry"
)

// Score weights. Blood type dominates; the rest share the remainder evenly.
const (
	weightBloodType = 0.4
	weightAge       = 0.2
	weightPhysical  = 0.2
	weightMedical   = 0.2

	earthRadiusKM = 6371.0
)

// Breakdown holds the 0..100 sub-scores of a pair.
type Breakdown struct {
	BloodType      float64 `json:"blood_type"`
	Age            float64 `json:"age"`
	Physical       float64 `json:"physical"`
	MedicalHistory float64 `json:"medical_history"`
}

// Score is the compatibility of one donor/recipient pair.
type Score struct {
	Total     float64   `json:"total"`
	Breakdown Breakdown `json:"breakdown"`
}

// acceptableDonors maps a recipient blood type to the donor types it can
// receive from.
var acceptableDonors = map[registry.BloodType][]registry.BloodType{
	registry.BloodONeg:  {registry.BloodONeg},
	registry.BloodOPos:  {registry.BloodONeg, registry.BloodOPos},
	registry.BloodANeg:  {registry.BloodONeg, registry.BloodANeg},
	registry.BloodAPos:  {registry.BloodONeg, registry.BloodOPos, registry.BloodANeg, registry.BloodAPos},
	registry.BloodBNeg:  {registry.BloodONeg, registry.BloodBNeg},
	registry.BloodBPos:  {registry.BloodONeg, registry.BloodOPos, registry.BloodBNeg, registry.BloodBPos},
	registry.BloodABNeg: {registry.BloodONeg, registry.BloodANeg, registry.BloodBNeg, registry.BloodABNeg},
	registry.BloodABPos: registry.BloodTypes,
}

// BloodCompatible reports whether a recipient of type recipient can receive
// from a donor of type donor.
func BloodCompatible(donor, recipient registry.BloodType) bool {
	for _, ok := range acceptableDonors[recipient] {
		if ok == donor {
			return true
		}
	}
	return false
}

// AgeScore bands the absolute age difference.
func AgeScore(diff int) float64 {
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff <= 5:
		return 100
	case diff <= 10:
		return 80
	case diff <= 15:
		return 60
	case diff <= 20:
		return 40
	default:
		return 20
	}
}

func physicalBand(diff float64) float64 {
	diff = math.Abs(diff)
	switch {
	case diff <= 5:
		return 50
	case diff <= 10:
		return 30
	case diff <= 15:
		return 20
	default:
		return 10
	}
}

// PhysicalScore bands height and weight differences separately and caps the
// sum at 100.
func PhysicalScore(heightDiff, weightDiff float64) float64 {
	return math.Min(physicalBand(heightDiff)+physicalBand(weightDiff), 100)
}

// MedicalScore deducts fixed penalties for donor risk flags.
func MedicalScore(h registry.MedicalHistory) float64 {
	s := 100.0
	if h.ChronicDisease {
		s -= 30
	}
	if h.Smoking {
		s -= 20
	}
	if h.Alcohol {
		s -= 20
	}
	return math.Max(s, 0)
}

// ScorePair computes the compatibility of d and r. It has no side effects
// and assumes both are for the same organ. An incompatible blood type gives
// an all-zero score.
func ScorePair(d *registry.Donor, r *registry.Recipient) Score {
	if !BloodCompatible(d.BloodType, r.BloodType) {
		return Score{}
	}
	b := Breakdown{
		BloodType:      100,
		Age:            AgeScore(d.Age - r.Age),
		Physical:       PhysicalScore(d.HeightCM-r.HeightCM, d.WeightKG-r.WeightKG),
		MedicalHistory: MedicalScore(d.MedicalHistory),
	}
	total := weightBloodType*b.BloodType + weightAge*b.Age + weightPhysical*b.Physical + weightMedical*b.MedicalHistory
	return Score{Total: math.Round(total), Breakdown: b}
}

// Viable reports whether s clears the minimum score. Zero never passes.
func Viable(s Score, minScore float64) bool {
	return s.Total > 0 && s.Total >= minScore
}

// Reputation is the donor's tie-break score. It never enters the
// compatibility total.
func Reputation(d *registry.Donor) float64 {
	return math.Min(float64(d.SuccessfulDonations)*5, 20) + math.Min(float64(d.HospitalVerifications)*3, 15)
}

// DistanceKM is the great-circle distance between donor and recipient. It
// reports false when either location is unknown.
func DistanceKM(d *registry.Donor, r *registry.Recipient) (float64, bool) {
	if d.Latitude == nil || d.Longitude == nil || r.Latitude == nil || r.Longitude == nil {
		return 0, false
	}
	lat1, lon1 := radians(*d.Latitude), radians(*d.Longitude)
	lat2, lon2 := radians(*r.Latitude), radians(*r.Longitude)
	dLat, dLon := lat2-lat1, lon2-lon1
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a)), true
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
