// Package sandbox generates reproducible synthetic hospitals, donors and
// recipients for development and demo environments.
package sandbox

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/organmatch/organmatch/internal/domain/registry"
)

// SeedConfig controls the volume and shape of generated data.
type SeedConfig struct {
	Hospitals int `json:"hospitals"`
	Donors    int `json:"donors"`
	// AvailableDonors of the donors start death-confirmed with their organs
	// available.
	AvailableDonors int   `json:"available_donors"`
	Recipients      int   `json:"recipients"`
	Seed            int64 `json:"seed"`
}

// DefaultSeedConfig returns a small but matchable data set.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Hospitals:       4,
		Donors:          20,
		AvailableDonors: 5,
		Recipients:      40,
	}
}

// SeededHospital exposes the attestation key of a generated hospital so a
// developer can sign death confirmations against it.
type SeededHospital struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Region     string    `json:"region"`
	SigningKey string    `json:"signing_key"`
}

// SeedResult summarizes a Generate run.
type SeedResult struct {
	Hospitals  []SeededHospital `json:"hospitals"`
	Donors     int              `json:"donors"`
	Available  int              `json:"available_donors"`
	Recipients int              `json:"recipients"`
	Duration   time.Duration    `json:"duration"`
}

type region struct {
	name     string
	lat, lon float64
}

var regions = []region{
	{"north", 53.55, 9.99},
	{"south", 48.14, 11.58},
	{"east", 52.52, 13.40},
	{"west", 50.94, 6.96},
}

var hospitalNames = []string{
	"St. Mary", "General", "University", "Memorial", "Riverside", "Lakeside", "Central", "Mercy",
}

// organWeights biases generation toward the organs most often waited for.
var organWeights = []struct {
	organ  registry.OrganType
	weight int
}{
	{registry.OrganKidney, 40},
	{registry.OrganLiver, 20},
	{registry.OrganHeart, 10},
	{registry.OrganLung, 10},
	{registry.OrganPancreas, 5},
	{registry.OrganCornea, 10},
	{registry.OrganBoneMarrow, 5},
}

// DataGenerator produces deterministic synthetic registry records.
type DataGenerator struct {
	rng     *rand.Rand
	counter int
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) id() uuid.UUID {
	id, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		return uuid.New()
	}
	return id
}

func (g *DataGenerator) ref(prefix string) string {
	g.counter++
	return fmt.Sprintf("%s-%05d", prefix, g.counter)
}

func (g *DataGenerator) between(min, max float64) float64 {
	return min + g.rng.Float64()*(max-min)
}

func (g *DataGenerator) bloodType() registry.BloodType {
	return registry.BloodTypes[g.rng.Intn(len(registry.BloodTypes))]
}

func (g *DataGenerator) organ() registry.OrganType {
	total := 0
	for _, w := range organWeights {
		total += w.weight
	}
	n := g.rng.Intn(total)
	for _, w := range organWeights {
		if n < w.weight {
			return w.organ
		}
		n -= w.weight
	}
	return registry.OrganKidney
}

func (g *DataGenerator) location(r region) (*float64, *float64) {
	lat := r.lat + g.between(-0.5, 0.5)
	lon := r.lon + g.between(-0.5, 0.5)
	return &lat, &lon
}

// GenerateHospital produces an authorized hospital in a random region.
func (g *DataGenerator) GenerateHospital() *registry.Hospital {
	r := regions[g.rng.Intn(len(regions))]
	key := make([]byte, 32)
	g.rng.Read(key)
	return &registry.Hospital{
		ID:         g.id(),
		Name:       fmt.Sprintf("%s Hospital %s", hospitalNames[g.rng.Intn(len(hospitalNames))], r.name),
		Region:     r.name,
		Authorized: true,
		SigningKey: hex.EncodeToString(key),
	}
}

func (g *DataGenerator) regionOf(h *registry.Hospital) region {
	for _, r := range regions {
		if r.name == h.Region {
			return r
		}
	}
	return regions[0]
}

// GenerateDonor produces a registered donor offering one to three organs.
func (g *DataGenerator) GenerateDonor(h *registry.Hospital) *registry.Donor {
	lat, lon := g.location(g.regionOf(h))
	hid := h.ID
	d := &registry.Donor{
		ID:          g.id(),
		ExternalRef: g.ref("DON"),
		BloodType:   g.bloodType(),
		Age:         18 + g.rng.Intn(57),
		HeightCM:    g.between(150, 195),
		WeightKG:    g.between(50, 110),
		Latitude:    lat,
		Longitude:   lon,
		MedicalHistory: registry.MedicalHistory{
			ChronicDisease: g.rng.Intn(5) == 0,
			Smoking:        g.rng.Intn(4) == 0,
			Alcohol:        g.rng.Intn(6) == 0,
		},
		HospitalID:            &hid,
		SuccessfulDonations:   g.rng.Intn(3),
		HospitalVerifications: g.rng.Intn(4),
	}
	seen := map[registry.OrganType]bool{}
	for n := 1 + g.rng.Intn(3); len(d.Organs) < n; {
		o := g.organ()
		if seen[o] {
			continue
		}
		seen[o] = true
		d.Organs = append(d.Organs, registry.DonorOrgan{Organ: o, Status: registry.OrganRegistered})
	}
	return d
}

// GenerateRecipient produces a waiting recipient.
func (g *DataGenerator) GenerateRecipient(h *registry.Hospital, registeredAt time.Time) *registry.Recipient {
	lat, lon := g.location(g.regionOf(h))
	hid := h.ID
	urgency := registry.UrgencyNormal
	switch n := g.rng.Intn(10); {
	case n == 0:
		urgency = registry.UrgencyCritical
	case n < 3:
		urgency = registry.UrgencyUrgent
	}
	return &registry.Recipient{
		ID:           g.id(),
		ExternalRef:  g.ref("REC"),
		OrganNeeded:  g.organ(),
		BloodType:    g.bloodType(),
		Age:          1 + g.rng.Intn(75),
		HeightCM:     g.between(100, 195),
		WeightKG:     g.between(20, 110),
		Latitude:     lat,
		Longitude:    lon,
		Urgency:      urgency,
		Region:       h.Region,
		HospitalID:   &hid,
		Status:       registry.RecipientWaiting,
		RegisteredAt: registeredAt,
	}
}

// Seeder writes generated records into a registry and remembers them for
// export.
type Seeder struct {
	mu         sync.RWMutex
	generator  *DataGenerator
	config     SeedConfig
	writer     registry.Writer
	hospitals  []*registry.Hospital
	donors     []*registry.Donor
	recipients []*registry.Recipient
}

func NewSeeder(config SeedConfig, writer registry.Writer) *Seeder {
	return &Seeder{
		generator: NewDataGenerator(config.Seed),
		config:    config,
		writer:    writer,
	}
}

// Generate creates the configured records. Recipients are registered one
// hour apart, oldest first, so FIFO tie-breaks are visible.
func (s *Seeder) Generate(ctx context.Context) (*SeedResult, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.Hospitals < 1 {
		return nil, fmt.Errorf("at least one hospital is required")
	}
	s.hospitals, s.donors, s.recipients = nil, nil, nil
	result := &SeedResult{}

	for i := 0; i < s.config.Hospitals; i++ {
		h := s.generator.GenerateHospital()
		if err := s.writer.CreateHospital(ctx, h); err != nil {
			return nil, fmt.Errorf("create hospital: %w", err)
		}
		s.hospitals = append(s.hospitals, h)
		result.Hospitals = append(result.Hospitals, SeededHospital{ID: h.ID, Name: h.Name, Region: h.Region, SigningKey: h.SigningKey})
	}

	confirmedAt := start.UTC().Add(-time.Hour)
	for i := 0; i < s.config.Donors; i++ {
		d := s.generator.GenerateDonor(s.hospitals[i%len(s.hospitals)])
		if i < s.config.AvailableDonors {
			for j := range d.Organs {
				d.Organs[j].Status = registry.OrganAvailable
			}
			hash := fmt.Sprintf("sandbox:%s", d.ExternalRef)
			at := confirmedAt
			d.CertificateHash = &hash
			d.DeathConfirmedAt = &at
			result.Available++
		}
		if err := s.writer.CreateDonor(ctx, d); err != nil {
			return nil, fmt.Errorf("create donor: %w", err)
		}
		s.donors = append(s.donors, d)
	}
	result.Donors = len(s.donors)

	first := start.UTC().Add(-time.Duration(s.config.Recipients) * time.Hour)
	for i := 0; i < s.config.Recipients; i++ {
		r := s.generator.GenerateRecipient(s.hospitals[i%len(s.hospitals)], first.Add(time.Duration(i)*time.Hour))
		if err := s.writer.CreateRecipient(ctx, r); err != nil {
			return nil, fmt.Errorf("create recipient: %w", err)
		}
		s.recipients = append(s.recipients, r)
	}
	result.Recipients = len(s.recipients)
	result.Duration = time.Since(start)
	return result, nil
}

// ExportNDJSON writes the generated records of kind (hospitals, donors or
// recipients) as newline-delimited JSON.
func (s *Seeder) ExportNDJSON(w io.Writer, kind string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []interface{}
	switch kind {
	case "hospitals":
		for _, h := range s.hospitals {
			records = append(records, h)
		}
	case "donors":
		for _, d := range s.donors {
			records = append(records, d)
		}
	case "recipients":
		for _, r := range s.recipients {
			records = append(records, r)
		}
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encoding %s: %w", kind, err)
		}
	}
	return nil
}

// SeedHandler exposes seeding over HTTP in development.
type SeedHandler struct {
	writer registry.Writer
	mu     sync.Mutex
	seeder *Seeder
}

func NewSeedHandler(writer registry.Writer) *SeedHandler {
	return &SeedHandler{writer: writer}
}

func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/seed", h.handleSeed)
	g.GET("/export/:kind", h.handleExport)
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg := DefaultSeedConfig()
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	h.seeder = NewSeeder(cfg, h.writer)
	result, err := h.seeder.Generate(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *SeedHandler) handleExport(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	kind := c.Param("kind")
	if kind != "hospitals" && kind != "donors" && kind != "recipients" {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown kind")
	}
	if h.seeder == nil {
		return c.String(http.StatusOK, "")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
	c.Response().WriteHeader(http.StatusOK)
	return h.seeder.ExportNDJSON(c.Response().Writer, kind)
}
