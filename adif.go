package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
)

// ADIFRecord is one log entry: field name (uppercased) to raw value.
type ADIFRecord map[string]string

var ErrADIFHeader = errors.New("adif header without <EOH> terminator")

// ParseADIF scans an ADIF blob into records. The format is a sequence of
// <NAME:LEN[:TYPE]>VALUE fields, records terminated by <EOR>. Anything
// before the first '<' is a header, which must be terminated by <EOH>.
// LEN is a byte length; at a mangled unicode boundary the value is
// clamped to what remains rather than failing the record.
func ParseADIF(blob string) ([]ADIFRecord, error) {
	body := blob
	if !strings.HasPrefix(strings.TrimSpace(blob), "<") {
		idx := indexFold(blob, "<EOH>")
		if idx < 0 {
			return nil, ErrADIFHeader
		}
		body = blob[idx+len("<eoh>"):]
	}

	var records []ADIFRecord
	current := ADIFRecord{}
	pos := 0
	for {
		open := strings.IndexByte(body[pos:], '<')
		if open < 0 {
			break
		}
		pos += open
		end := strings.IndexByte(body[pos:], '>')
		if end < 0 {
			break
		}
		tag := body[pos+1 : pos+end]
		pos += end + 1

		parts := strings.SplitN(tag, ":", 3)
		name := strings.ToUpper(strings.TrimSpace(parts[0]))
		if name == "EOR" {
			if len(current) > 0 {
				records = append(records, current)
				current = ADIFRecord{}
			}
			continue
		}
		if len(parts) < 2 {
			// bare tags other than <EOR> carry no data
			continue
		}
		length, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || length < 0 {
			continue
		}
		if length > len(body)-pos {
			length = len(body) - pos
		}
		current[name] = strings.TrimSpace(body[pos : pos+length])
		pos += length
	}
	if len(current) > 0 {
		records = append(records, current)
	}
	return records, nil
}

// indexFold is strings.Index ignoring ASCII case.
func indexFold(s, substr string) int {
	return strings.Index(strings.ToUpper(s), strings.ToUpper(substr))
}

// adifConfirmed reports whether the log entry counts as a confirmed
// contact: a QRZ logbook status of C, or LoTW sent and received. Entries
// without any status field count as confirmed, matching QRZ exports that
// omit the field for old confirmations.
func adifConfirmed(rec ADIFRecord) bool {
	if status, ok := rec["APP_QRZLOG_STATUS"]; !ok || status == "C" {
		return true
	}
	return rec["LOTW_QSL_SENT"] == "Y" && rec["LOTW_QSL_RCVD"] == "Y"
}

// adifBand resolves the band tag from FREQ (MHz) first, then the BAND
// string. Returns 0 when neither is usable.
func adifBand(rec ADIFRecord) int {
	if freq, ok := rec["FREQ"]; ok {
		if mhz, err := strconv.ParseFloat(freq, 64); err == nil {
			if band := FrequencyToBand(int64(mhz * 1000)); band != 0 {
				return band
			}
		}
	}
	return BandStringToNumber(rec["BAND"])
}

// IngestADIF turns a log blob into blacklist entries. Only FT4/FT8 entries
// are considered; unconfirmed ones are stored too (flagged) so the
// work-on-unconfirmed policy can choose at query time.
func (st *Store) IngestADIF(ctx context.Context, blob string, locator CallsignLocator, dxccFor func(string) int) (int, error) {
	records, err := ParseADIF(blob)
	if err != nil {
		return 0, fmt.Errorf("parsing adif: %w", err)
	}

	inserted := 0
	now := float64(time.Now().UnixNano()) / 1e9
	for _, rec := range records {
		mode := rec["MODE"]
		if mode != "FT8" && mode != "FT4" {
			continue
		}
		call := strings.ReplaceAll(rec["CALL"], "_", "/")
		if call == "" {
			continue
		}
		band := adifBand(rec)
		if band == 0 {
			log.Printf("[ADIF] no band for %s, skipping", call)
			continue
		}

		entry := &Candidate{
			Callsign:  call,
			Band:      band,
			Mode:      mode,
			Grid:      rec["GRIDSQUARE"],
			Confirmed: adifConfirmed(rec),
			Timestamp: now,
		}

		var info StationInfo
		result := LookupNotFound
		if locator != nil {
			info, result = locator.Locate(call)
		}

		if country, ok := rec["COUNTRY"]; ok {
			entry.Country = country
		} else if result == LookupOk {
			entry.Country = info.Country
		}
		if cont, ok := rec["CONT"]; ok {
			entry.Continent = cont
		} else if result == LookupOk {
			entry.Continent = info.Continent
		}
		if raw, ok := rec["DXCC"]; ok {
			entry.DXCC, _ = strconv.Atoi(raw)
		} else if entry.Country != "" && dxccFor != nil {
			entry.DXCC = dxccFor(entry.Country)
		}
		if entry.Country == "United States" {
			entry.State = rec["STATE"]
			if cnty, ok := rec["CNTY"]; ok && len(cnty) > 3 {
				entry.County = cnty[3:]
			}
		}
		if dist, ok := rec["DISTANCE"]; ok {
			entry.Distance, _ = strconv.ParseFloat(dist, 64)
		}

		if err := st.UpsertBlacklist(ctx, entry); err != nil {
			return inserted, fmt.Errorf("storing %s: %w", call, err)
		}
		inserted++
	}
	return inserted, nil
}
