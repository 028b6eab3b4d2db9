// Package ncpdp decodes NCPDP SCRIPT v2023011 prescription messages into
// medication orders. Only the parts of the envelope the safety worker
// evaluates are modelled.
package ncpdp

import (
	"encoding/xml"
	"fmt"
	"time"
)

// Version is the SCRIPT release the structures follow
const Version = "2023011"

// Gender codes
const (
	GenderUnknown = "0"
	GenderMale    = "1"
	GenderFemale  = "2"
)

// Code qualifiers
const (
	QualifierNDC    = "ND"
	QualifierICD10  = "ABF"
	QualifierRxSCD  = "SCD" // RxNorm semantic clinical drug
	QualifierRxSBD  = "SBD" // RxNorm semantic branded drug
	QualifierRxGPCK = "GPK" // RxNorm generic pack
	QualifierRxBPCK = "BPK" // RxNorm branded pack
)

// Message is the SCRIPT envelope
type Message struct {
	XMLName xml.Name    `xml:"Message"`
	Version string      `xml:"version,attr"`
	Header  Header      `xml:"Header"`
	Body    MessageBody `xml:"Body"`
}

// MessageBody holds exactly one transaction
type MessageBody struct {
	NewRx     *Prescription `xml:"NewRx,omitempty"`
	RxRenewal *Prescription `xml:"RxRenewalResponse,omitempty"`
	CancelRx  *Prescription `xml:"CancelRx,omitempty"`
}

// Header identifies the message
type Header struct {
	MessageID             string `xml:"MessageID"`
	RelatesToMessageID    string `xml:"RelatesToMessageID,omitempty"`
	SentTime              string `xml:"SentTime"`
	PrescriberOrderNumber string `xml:"PrescriberOrderNumber,omitempty"`
}

// Prescription is the body shared by NewRx, RxRenewalResponse and CancelRx
type Prescription struct {
	Patient              Patient              `xml:"Patient"`
	MedicationPrescribed MedicationPrescribed `xml:"MedicationPrescribed"`
	CancelReason         string               `xml:"CancelReason,omitempty"`
}

// Patient carries the demographics used by clinical alerts
type Patient struct {
	Name           Name           `xml:"Name"`
	Identification Identification `xml:"Identification"`
	Gender         string         `xml:"Gender,omitempty"`
	DateOfBirth    *DateOfBirth   `xml:"DateOfBirth,omitempty"`
}

// Name is a person's name
type Name struct {
	LastName  string `xml:"LastName"`
	FirstName string `xml:"FirstName"`
}

// Identification holds patient identifiers
type Identification struct {
	MutuallyDefined string `xml:"MutuallyDefined,omitempty"`
	MedicalRecordID string `xml:"MedicalRecordIdentificationNumberEHR,omitempty"`
}

// ID returns the first identifier present
func (i Identification) ID() string {
	if i.MedicalRecordID != "" {
		return i.MedicalRecordID
	}
	return i.MutuallyDefined
}

// DateOfBirth is a CCYYMMDD date
type DateOfBirth struct {
	Date string `xml:"Date"`
}

// MedicationPrescribed is the prescribed product and its directions
type MedicationPrescribed struct {
	Product            Product     `xml:"Product"`
	WrittenDate        WrittenDate `xml:"WrittenDate"`
	Sig                Sig         `xml:"Sig"`
	Note               string      `xml:"Note,omitempty"`
	Diagnosis          []Diagnosis `xml:"Diagnosis,omitempty"`
	PrescriptionNumber string      `xml:"PrescriptionNumber,omitempty"`
}

// Product identifies the drug
type Product struct {
	DrugCoded       DrugCoded   `xml:"DrugCoded"`
	DrugDescription string      `xml:"DrugDescription,omitempty"`
	DrugDBCode      *DrugDBCode `xml:"DrugDBCode,omitempty"`
}

// DrugCoded carries the product code, usually an NDC
type DrugCoded struct {
	ProductCode ProductCode `xml:"ProductCode"`
}

// ProductCode is a qualified product code
type ProductCode struct {
	Code      string `xml:"Code"`
	Qualifier string `xml:"Qualifier,omitempty"`
}

// DrugDBCode is a drug database code such as an RxNorm CUI
type DrugDBCode struct {
	Code      string `xml:"Code"`
	Qualifier string `xml:"Qualifier"`
}

// RxNorm returns the RxNorm code when the database code is one
func (p Product) RxNorm() string {
	if p.DrugDBCode == nil {
		return ""
	}
	switch p.DrugDBCode.Qualifier {
	case QualifierRxSCD, QualifierRxSBD, QualifierRxGPCK, QualifierRxBPCK:
		return p.DrugDBCode.Code
	}
	return ""
}

// WrittenDate is the date the prescription was written
type WrittenDate struct {
	Date string `xml:"Date"`
}

// Sig holds the free-text directions
type Sig struct {
	SigText string `xml:"SigText"`
}

// Diagnosis holds the primary and secondary diagnosis codes
type Diagnosis struct {
	Primary   *DiagnosisCode `xml:"Primary,omitempty"`
	Secondary *DiagnosisCode `xml:"Secondary,omitempty"`
}

// DiagnosisCode is a qualified diagnosis code
type DiagnosisCode struct {
	Code        string `xml:"Code"`
	Qualifier   string `xml:"Qualifier,omitempty"`
	Description string `xml:"Description,omitempty"`
}

// Decode unmarshals a SCRIPT message
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := xml.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal SCRIPT message: %w", err)
	}
	return &msg, nil
}

// ParseDate parses a CCYYMMDD date, also accepting the CCYY-MM-DD form
// some senders use.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse("20060102", s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
