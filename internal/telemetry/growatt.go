package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gaiaecotrack/tokenizer/internal/conversion"
	"github.com/gaiaecotrack/tokenizer/internal/repository"
)

const (
	growattLoginPath     = "/login"
	growattPlantListPath = "/index/getPlantListTitle"
	growattPlantDataPath = "/panel/getPlantData"
	growattDevicesPath   = "/panel/getDevicesByPlantList"
	growattDayChartPath  = "/panel/max/getMAXDayChart"
)

// Plant is one entry of the Growatt plant list
type Plant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GrowattClient talks to the Growatt cloud API. The vendor uses cookie-based
// sessions; a logged-in session and its plant list are cached per user_client
// for a short TTL to reduce vendor load.
type GrowattClient struct {
	baseURL  string
	timeout  time.Duration
	cacheTTL time.Duration
	creds    CredentialStore
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*growattSession

	now func() time.Time
}

type growattSession struct {
	client    *http.Client
	plants    []Plant
	fetchedAt time.Time
}

// NewGrowattClient creates a Growatt cloud client
func NewGrowattClient(baseURL string, timeout, cacheTTL time.Duration, creds CredentialStore, logger *zap.Logger) *GrowattClient {
	return &GrowattClient{
		baseURL:  baseURL,
		timeout:  timeout,
		cacheTTL: cacheTTL,
		creds:    creds,
		logger:   logger,
		sessions: make(map[string]*growattSession),
		now:      time.Now,
	}
}

type growattPlantTitle struct {
	ID        json.Number `json:"id"`
	PlantName string      `json:"plantName"`
}

type growattPlantData struct {
	Obj struct {
		EToday       json.Number `json:"eToday"`
		C02          json.Number `json:"co2"`
		NominalPower json.Number `json:"nominalPower"`
	} `json:"obj"`
}

type growattDeviceList struct {
	Obj struct {
		Datas []map[string]interface{} `json:"datas"`
	} `json:"obj"`
}

// EnergyToday returns the plant's eToday figure for the account behind
// userClient, in the vendor's already-token-scaled unit
func (c *GrowattClient) EnergyToday(ctx context.Context, userClient string) (float64, error) {
	data, err := c.plantData(ctx, userClient)
	if err != nil {
		return 0, err
	}

	value, err := conversion.ParseEnergyValue(data.Obj.EToday.String())
	if err != nil {
		return 0, fmt.Errorf("%w: eToday: %v", ErrFetchFailed, err)
	}
	return value, nil
}

// Carbon returns the plant's CO2-avoided and nameplate-power figures
func (c *GrowattClient) Carbon(ctx context.Context, userClient string) (*CarbonMetrics, error) {
	data, err := c.plantData(ctx, userClient)
	if err != nil {
		return nil, err
	}

	// Informational figures; a vendor omitting one is not a failure
	c02, _ := conversion.ParseEnergyValue(data.Obj.C02.String())
	power, _ := conversion.ParseEnergyValue(data.Obj.NominalPower.String())

	return &CarbonMetrics{C02: c02, NominalPower: power}, nil
}

// Plants returns the plant list for the account behind userClient
func (c *GrowattClient) Plants(ctx context.Context, userClient string) ([]Plant, error) {
	session, err := c.session(ctx, userClient)
	if err != nil {
		return nil, err
	}
	return session.plants, nil
}

// Devices returns the raw device list of the plant matching userClient
func (c *GrowattClient) Devices(ctx context.Context, userClient string) ([]map[string]interface{}, error) {
	session, err := c.session(ctx, userClient)
	if err != nil {
		return nil, err
	}

	plantID, err := matchPlant(session.plants, userClient)
	if err != nil {
		return nil, err
	}

	form := url.Values{"currPage": {"1"}, "plantId": {plantID}}
	var list growattDeviceList
	if err := c.postForm(ctx, session.client, growattDevicesPath, form, &list); err != nil {
		return nil, err
	}

	return list.Obj.Datas, nil
}

// DayChart returns the plant's per-interval generation curve for today.
// The payload shape is inverter-model specific, so it is passed through
// undecoded.
func (c *GrowattClient) DayChart(ctx context.Context, userClient string) (map[string]interface{}, error) {
	session, err := c.session(ctx, userClient)
	if err != nil {
		return nil, err
	}

	plantID, err := matchPlant(session.plants, userClient)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"date":    {vendorDate(c.now())},
		"plantId": {plantID},
	}
	var chart map[string]interface{}
	if err := c.postForm(ctx, session.client, growattDayChartPath, form, &chart); err != nil {
		return nil, err
	}

	return chart, nil
}

func (c *GrowattClient) plantData(ctx context.Context, userClient string) (*growattPlantData, error) {
	session, err := c.session(ctx, userClient)
	if err != nil {
		return nil, err
	}

	plantID, err := matchPlant(session.plants, userClient)
	if err != nil {
		return nil, err
	}

	var data growattPlantData
	path := growattPlantDataPath + "?plantId=" + url.QueryEscape(plantID)
	if err := c.postForm(ctx, session.client, path, url.Values{}, &data); err != nil {
		return nil, err
	}

	return &data, nil
}

// matchPlant resolves the plant whose name matches userClient
// case-insensitively with whitespace stripped
func matchPlant(plants []Plant, userClient string) (string, error) {
	want := normalizePlantName(userClient)
	for _, p := range plants {
		if normalizePlantName(p.Name) == want {
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPlantNotFound, userClient)
}

func normalizePlantName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), ""))
}

// session returns a logged-in cookie session with its plant list, reusing a
// cached one while fresh
func (c *GrowattClient) session(ctx context.Context, userClient string) (*growattSession, error) {
	key := strings.ToLower(userClient)

	c.mu.Lock()
	cached, ok := c.sessions[key]
	c.mu.Unlock()

	if ok && c.now().Sub(cached.fetchedAt) < c.cacheTTL {
		return cached, nil
	}

	cred, err := c.creds.FindCredentialByUserClient(ctx, userClient)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, userClient)
		}
		return nil, fmt.Errorf("%w: credential lookup: %v", ErrFetchFailed, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: cookie jar: %v", ErrFetchFailed, err)
	}
	client := &http.Client{Timeout: c.timeout, Jar: jar}

	if err := c.login(ctx, client, cred.Username, cred.Password); err != nil {
		return nil, err
	}

	var titles []growattPlantTitle
	if err := c.postForm(ctx, client, growattPlantListPath, url.Values{}, &titles); err != nil {
		return nil, err
	}

	plants := make([]Plant, 0, len(titles))
	for _, t := range titles {
		plants = append(plants, Plant{ID: t.ID.String(), Name: t.PlantName})
	}

	session := &growattSession{client: client, plants: plants, fetchedAt: c.now()}

	c.mu.Lock()
	c.sessions[key] = session
	c.mu.Unlock()

	c.logger.Debug("growatt session refreshed",
		zap.String("user_client", userClient),
		zap.Int("plants", len(plants)),
	)

	return session, nil
}

// login performs the form-encoded login; the vendor responds with session
// cookies captured by the client's jar
func (c *GrowattClient) login(ctx context.Context, client *http.Client, username, passwordCrc string) error {
	form := url.Values{
		"account":      {username},
		"password":     {""},
		"validateCode": {""},
		"isReadPact":   {"0"},
		"passwordCrc":  {passwordCrc},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+growattLoginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: create login request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: login returned status %d", ErrAuthenticationFailed, resp.StatusCode)
	}
	if len(client.Jar.Cookies(req.URL)) == 0 {
		return fmt.Errorf("%w: login returned no session cookies", ErrAuthenticationFailed)
	}

	return nil
}

func (c *GrowattClient) postForm(ctx context.Context, client *http.Client, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFetchFailed, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrFetchFailed, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrFetchFailed, path, err)
	}

	return nil
}
