package battery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Payload names, used in MissingFieldError.
const (
	PayloadLatestData = "latestdata"
	PayloadStatus     = "status"
)

// Raw payload keys read by the derivation layer.
const (
	KeyConsumption            = "Consumption_W"
	KeyProduction             = "Production_W"
	KeyUSOC                   = "USOC"
	KeyRSOC                   = "RSOC"
	KeyFullChargeCapacity     = "FullChargeCapacity"
	KeyPacTotal               = "Pac_total_W"
	KeyICStatus               = "ic_status"
	KeySecondsSinceFullCharge = "ic_status.secondssincefullcharge"
	KeyModulesInstalled       = "ic_status.nrbatterymodules"
	KeyGridFeedIn             = "GridFeedIn_W"
	KeyRemainingCapacity      = "RemainingCapacity_Wh"
	KeyConsumptionAvg         = "Consumption_Avg"
)

// ICStatus is the ic_status group of the latestdata payload.
type ICStatus struct {
	SecondsSinceFullCharge *float64 `json:"secondssincefullcharge"`
	NrBatteryModules       *float64 `json:"nrbatterymodules"`
	StateBMS               string   `json:"statebms"`
	StateInverter          string   `json:"stateinverter"`
}

// LatestData is the response from /api/v2/latestdata.
// Numeric fields are pointers so an absent key can be told apart from zero.
type LatestData struct {
	ConsumptionW       *float64  `json:"Consumption_W"`
	ProductionW        *float64  `json:"Production_W"`
	USOC               *float64  `json:"USOC"` // User State of Charge
	RSOC               *float64  `json:"RSOC"` // Relative State of Charge
	FullChargeCapacity *float64  `json:"FullChargeCapacity"`
	PacTotalW          *float64  `json:"Pac_total_W"` // negative while charging
	Timestamp          string    `json:"Timestamp"`
	ICStatus           *ICStatus `json:"ic_status"`
}

// Status is the response from /api/v2/status.
type Status struct {
	GridFeedInW         *float64 `json:"GridFeedIn_W"`
	RemainingCapacityWh *float64 `json:"RemainingCapacity_Wh"`
	ConsumptionAvg      *float64 `json:"Consumption_Avg"`
	SystemStatus        string   `json:"SystemStatus"`
}

// Snapshot is one complete pair of payloads. It is never modified after
// construction; the store replaces it as a whole.
type Snapshot struct {
	Details    LatestData
	Status     Status
	RawDetails json.RawMessage
	RawStatus  json.RawMessage
	FetchedAt  time.Time

	// invalid holds the keys that are present but could not be decoded.
	invalid map[string]error
}

// NewSnapshot parses both raw payloads into a snapshot. Only a payload that is
// not a JSON object fails the snapshot; a key with an unexpected type fails
// the metrics that read it.
func NewSnapshot(rawDetails, rawStatus []byte, fetchedAt time.Time) (*Snapshot, error) {
	details, err := decodeObject(rawDetails)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", PayloadLatestData, err)
	}
	status, err := decodeObject(rawStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", PayloadStatus, err)
	}

	snap := &Snapshot{
		RawDetails: append(json.RawMessage(nil), rawDetails...),
		RawStatus:  append(json.RawMessage(nil), rawStatus...),
		FetchedAt:  fetchedAt,
		invalid:    make(map[string]error),
	}

	d := fields{raw: details, invalid: snap.invalid}
	snap.Details = LatestData{
		ConsumptionW:       d.number(KeyConsumption),
		ProductionW:        d.number(KeyProduction),
		USOC:               d.number(KeyUSOC),
		RSOC:               d.number(KeyRSOC),
		FullChargeCapacity: d.number(KeyFullChargeCapacity),
		PacTotalW:          d.number(KeyPacTotal),
		Timestamp:          d.text("Timestamp"),
	}
	if ic, ok := d.object(KeyICStatus); ok {
		f := fields{raw: ic, prefix: KeyICStatus + ".", invalid: snap.invalid}
		snap.Details.ICStatus = &ICStatus{
			SecondsSinceFullCharge: f.number("secondssincefullcharge"),
			NrBatteryModules:       f.number("nrbatterymodules"),
			StateBMS:               f.text("statebms"),
			StateInverter:          f.text("stateinverter"),
		}
	}

	st := fields{raw: status, invalid: snap.invalid}
	snap.Status = Status{
		GridFeedInW:         st.number(KeyGridFeedIn),
		RemainingCapacityWh: st.number(KeyRemainingCapacity),
		ConsumptionAvg:      st.number(KeyConsumptionAvg),
		SystemStatus:        st.text("SystemStatus"),
	}

	return snap, nil
}

func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("expected a JSON object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// fields decodes single keys of one JSON object. A key of the wrong type is
// recorded in invalid and reads as absent.
type fields struct {
	raw     map[string]json.RawMessage
	prefix  string
	invalid map[string]error
}

func (f fields) lookup(key string) (json.RawMessage, bool) {
	v, ok := f.raw[key]
	if !ok || string(bytes.TrimSpace(v)) == "null" {
		return nil, false
	}
	return v, true
}

func (f fields) number(key string) *float64 {
	v, ok := f.lookup(key)
	if !ok {
		return nil
	}
	var n float64
	if err := json.Unmarshal(v, &n); err != nil {
		f.invalid[f.prefix+key] = &InvalidFieldError{Key: f.prefix + key, Value: string(v), Reason: "not a number"}
		return nil
	}
	return &n
}

func (f fields) object(key string) (map[string]json.RawMessage, bool) {
	v, ok := f.lookup(key)
	if !ok {
		return nil, false
	}
	obj, err := decodeObject(v)
	if err != nil {
		f.invalid[f.prefix+key] = &InvalidFieldError{Key: f.prefix + key, Value: string(v), Reason: "not an object"}
		return nil, false
	}
	return obj, true
}

// text returns string values as is and any other value as its JSON text.
func (f fields) text(key string) string {
	v, ok := f.lookup(key)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return string(bytes.TrimSpace(v))
	}
	return s
}

// MissingKeys lists every key the derivation layer reads that is absent
// from the snapshot.
func (s *Snapshot) MissingKeys() []string {
	var missing []string
	check := func(key string, present bool) {
		if _, bad := s.invalid[key]; !present && !bad {
			missing = append(missing, key)
		}
	}

	d := s.Details
	check(KeyConsumption, d.ConsumptionW != nil)
	check(KeyProduction, d.ProductionW != nil)
	check(KeyUSOC, d.USOC != nil)
	check(KeyRSOC, d.RSOC != nil)
	check(KeyFullChargeCapacity, d.FullChargeCapacity != nil)
	check(KeyPacTotal, d.PacTotalW != nil)
	if d.ICStatus == nil {
		check(KeyICStatus, false)
	} else {
		check(KeySecondsSinceFullCharge, d.ICStatus.SecondsSinceFullCharge != nil)
		check(KeyModulesInstalled, d.ICStatus.NrBatteryModules != nil)
	}

	st := s.Status
	check(KeyGridFeedIn, st.GridFeedInW != nil)
	check(KeyRemainingCapacity, st.RemainingCapacityWh != nil)
	check(KeyConsumptionAvg, st.ConsumptionAvg != nil)

	return missing
}

func (s *Snapshot) field(payload, key string, v *float64) (float64, error) {
	if err, bad := s.invalid[key]; bad {
		return 0, err
	}
	if v == nil {
		return 0, &MissingFieldError{Payload: payload, Key: key}
	}
	return *v, nil
}

func (s *Snapshot) pacTotal() (float64, error) {
	return s.field(PayloadLatestData, KeyPacTotal, s.Details.PacTotalW)
}

func (s *Snapshot) gridFeedIn() (float64, error) {
	return s.field(PayloadStatus, KeyGridFeedIn, s.Status.GridFeedInW)
}

func (s *Snapshot) rawRemainingCapacity() (float64, error) {
	return s.field(PayloadStatus, KeyRemainingCapacity, s.Status.RemainingCapacityWh)
}

func (s *Snapshot) icStatusField(key string, pick func(*ICStatus) *float64) (float64, error) {
	if s.Details.ICStatus == nil {
		if err, bad := s.invalid[KeyICStatus]; bad {
			return 0, err
		}
		return 0, &MissingFieldError{Payload: PayloadLatestData, Key: KeyICStatus}
	}
	return s.field(PayloadLatestData, key, pick(s.Details.ICStatus))
}
